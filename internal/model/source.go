package model

// MetadataSource identifies where metadata originally came from. Stored as
// an integer in the event table, presented as a string in event JSON.
type MetadataSource int

const (
	SourceUnknown  MetadataSource = 0
	SourceTest     MetadataSource = 1
	SourceCrossref MetadataSource = 2
	SourceDataCite MetadataSource = 3
)

func SourceFromString(value string) MetadataSource {
	switch value {
	case "test":
		return SourceTest
	case "crossref":
		return SourceCrossref
	case "datacite":
		return SourceDataCite
	}
	return SourceUnknown
}

func (s MetadataSource) String() string {
	switch s {
	case SourceTest:
		return "test"
	case SourceCrossref:
		return "crossref"
	case SourceDataCite:
		return "datacite"
	}
	return "UNKNOWN"
}

// EventAnalyzer identifies the analyzer that derived an event from a
// metadata assertion.
type EventAnalyzer int

const (
	AnalyzerUnknown   EventAnalyzer = 0
	AnalyzerTest      EventAnalyzer = 1
	AnalyzerLifecycle EventAnalyzer = 2
)

func AnalyzerFromString(value string) EventAnalyzer {
	switch value {
	case "test":
		return AnalyzerTest
	case "lifecycle":
		return AnalyzerLifecycle
	}
	return AnalyzerUnknown
}

func (a EventAnalyzer) String() string {
	switch a {
	case AnalyzerTest:
		return "test"
	case AnalyzerLifecycle:
		return "lifecycle"
	}
	return "UNKNOWN"
}
