package validation

import (
	"fmt"

	"randomness-lab/internal/bitseq"
)

// Spec selects a test and its parameters. Only the parameter relevant to
// Name is consulted; zero values fall back to the conventional defaults.
type Spec struct {
	Name        Name `json:"test"`
	GroupSize   int  `json:"group_size,omitempty"`
	Lag         int  `json:"lag,omitempty"`
	BlockLength int  `json:"block_length,omitempty"`
}

// Default parameters per test.
const (
	DefaultChiSquareGroupSize = 8
	DefaultSerialGroupSize    = 2
	DefaultPokerGroupSize     = 4
	DefaultLag                = 1
)

// withDefaults fills in zero parameters.
func (s Spec) withDefaults() Spec {
	switch s.Name {
	case ChiSquare:
		if s.GroupSize == 0 {
			s.GroupSize = DefaultChiSquareGroupSize
		}
	case Serial:
		if s.GroupSize == 0 {
			s.GroupSize = DefaultSerialGroupSize
		}
	case Poker:
		if s.GroupSize == 0 {
			s.GroupSize = DefaultPokerGroupSize
		}
	case Autocorrelation:
		if s.Lag == 0 {
			s.Lag = DefaultLag
		}
	case Maurer:
		if s.BlockLength == 0 {
			s.BlockLength = DefaultMaurerBlockLength
		}
	}
	return s
}

func (s Spec) String() string {
	s = s.withDefaults()
	switch s.Name {
	case ChiSquare, Serial, Poker:
		return fmt.Sprintf("%s(group_size=%d)", s.Name, s.GroupSize)
	case Autocorrelation:
		return fmt.Sprintf("%s(lag=%d)", s.Name, s.Lag)
	case Maurer:
		return fmt.Sprintf("%s(L=%d)", s.Name, s.BlockLength)
	default:
		return string(s.Name)
	}
}

// Run executes the test selected by spec against seq. It never returns nil:
// failures, including an unknown test name, come back as an ErrorResult.
func Run(spec Spec, seq bitseq.Sequence) Result {
	spec = spec.withDefaults()

	var (
		result Result
		err    error
	)
	switch spec.Name {
	case Frequency:
		result = FrequencyTest(seq)
	case Runs:
		result = RunsTest(seq)
	case ChiSquare:
		result, err = ChiSquareTest(seq, spec.GroupSize)
	case Serial:
		result, err = SerialTest(seq, spec.GroupSize)
	case Autocorrelation:
		result, err = AutocorrelationTest(seq, spec.Lag)
	case Poker:
		result, err = PokerTest(seq, spec.GroupSize)
	case Maurer:
		result, err = MaurerTest(seq, spec.BlockLength)
	default:
		err = newError(spec.Name, ErrInvalidInput, "unknown test %q", string(spec.Name))
	}

	if err != nil {
		return NewErrorResult(spec.Name, err)
	}
	return result
}

// CatalogueEntry is a named, pre-parameterised test.
type CatalogueEntry struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Spec        Spec   `json:"spec"`
}

var catalogue = map[string]CatalogueEntry{
	"frequency": {ID: "frequency", Description: "Frequency (monobit) test", Spec: Spec{Name: Frequency}},
	"runs":      {ID: "runs", Description: "Runs test", Spec: Spec{Name: Runs}},
	"freq_byte": {ID: "freq_byte", Description: "Chi-square test over bytes", Spec: Spec{Name: ChiSquare, GroupSize: 8}},
	"serial2":   {ID: "serial2", Description: "Serial test (pairs)", Spec: Spec{Name: Serial, GroupSize: 2}},
	"serial3":   {ID: "serial3", Description: "Serial test (triplets)", Spec: Spec{Name: Serial, GroupSize: 3}},
	"autocorr1": {ID: "autocorr1", Description: "Autocorrelation test (lag=1)", Spec: Spec{Name: Autocorrelation, Lag: 1}},
	"autocorr2": {ID: "autocorr2", Description: "Autocorrelation test (lag=2)", Spec: Spec{Name: Autocorrelation, Lag: 2}},
	"poker4":    {ID: "poker4", Description: "Poker test (4-bit)", Spec: Spec{Name: Poker, GroupSize: 4}},
	"poker5":    {ID: "poker5", Description: "Poker test (5-bit)", Spec: Spec{Name: Poker, GroupSize: 5}},
	"maurer7":   {ID: "maurer7", Description: "Maurer's universal test (L=7)", Spec: Spec{Name: Maurer, BlockLength: 7}},
}

// catalogueOrder is the presentation order of the catalogue.
var catalogueOrder = []string{
	"frequency", "runs", "freq_byte", "serial2", "serial3",
	"autocorr1", "autocorr2", "poker4", "poker5", "maurer7",
}

// Lookup resolves a catalogue identifier such as "serial3".
func Lookup(id string) (Spec, bool) {
	entry, ok := catalogue[id]
	return entry.Spec, ok
}

// Catalogue returns every catalogue entry in presentation order.
func Catalogue() []CatalogueEntry {
	out := make([]CatalogueEntry, 0, len(catalogueOrder))
	for _, id := range catalogueOrder {
		out = append(out, catalogue[id])
	}
	return out
}
