package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Name identifies one of the seven randomness tests. The set is closed.
type Name string

const (
	Frequency       Name = "frequency"
	Runs            Name = "runs"
	ChiSquare       Name = "chi_square"
	Serial          Name = "serial"
	Autocorrelation Name = "autocorrelation"
	Poker           Name = "poker"
	Maurer          Name = "maurer"
)

// Names lists every test in presentation order.
func Names() []Name {
	return []Name{Frequency, Runs, ChiSquare, Serial, Autocorrelation, Poker, Maurer}
}

// Valid reports whether n is one of the known tests.
func (n Name) Valid() bool {
	switch n {
	case Frequency, Runs, ChiSquare, Serial, Autocorrelation, Poker, Maurer:
		return true
	default:
		return false
	}
}

// Result is the structured outcome of a single test invocation. The concrete
// type is one of the *Result structs of this package or ErrorResult.
type Result interface {
	Test() Name
	Succeeded() bool
	// PValue returns the p-value when the test defines one.
	PValue() (float64, bool)
	String() string
}

// PatternCount is the occurrence count of one zero-padded bit pattern.
// Slices of PatternCount are ordered by pattern value.
type PatternCount struct {
	Pattern string `json:"pattern"`
	Count   int    `json:"count"`
}

// FrequencyResult is the outcome of the monobit test.
type FrequencyResult struct {
	Zeros     int     `json:"zeros"`
	Ones      int     `json:"ones"`
	ChiSquare float64 `json:"chi2"`
	P         float64 `json:"p_value"`
	Passed    bool    `json:"passed"`
}

func (FrequencyResult) Test() Name                { return Frequency }
func (r FrequencyResult) Succeeded() bool         { return r.Passed }
func (r FrequencyResult) PValue() (float64, bool) { return r.P, true }

func (r FrequencyResult) String() string {
	return fmt.Sprintf("Frequency Test: 0s=%d, 1s=%d, p-value=%.4f, %s",
		r.Zeros, r.Ones, r.P, verdict(r.Passed))
}

// RunsResult is the outcome of the runs test. It carries a z-score instead
// of a p-value.
type RunsResult struct {
	Runs         int     `json:"runs"`
	ExpectedRuns float64 `json:"expected_runs"`
	Z            float64 `json:"z"`
	N0           int     `json:"n0"`
	N1           int     `json:"n1"`
	Passed       bool    `json:"passed"`
}

func (RunsResult) Test() Name              { return Runs }
func (r RunsResult) Succeeded() bool       { return r.Passed }
func (RunsResult) PValue() (float64, bool) { return 0, false }

func (r RunsResult) String() string {
	return fmt.Sprintf("Runs Test: %d runs (expected=%.2f), z-score=%.2f, %s (0s=%d, 1s=%d)",
		r.Runs, r.ExpectedRuns, r.Z, verdict(r.Passed), r.N0, r.N1)
}

// ChiSquareResult is the outcome of the non-overlapping group chi-square test.
type ChiSquareResult struct {
	ChiSquare       float64 `json:"chi2"`
	P               float64 `json:"p_value"`
	GroupSize       int     `json:"group_size"`
	Groups          int     `json:"n"`
	ObservedNonzero int     `json:"observed_nonzero"`
	Passed          bool    `json:"passed"`
}

func (ChiSquareResult) Test() Name                { return ChiSquare }
func (r ChiSquareResult) Succeeded() bool         { return r.Passed }
func (r ChiSquareResult) PValue() (float64, bool) { return r.P, true }

func (r ChiSquareResult) String() string {
	return fmt.Sprintf("Chi-Square Test (%d-bit groups): X^2=%.2f, p-value=%.3g, %s (%d groups analyzed, %d values seen)",
		r.GroupSize, r.ChiSquare, r.P, verdict(r.Passed), r.Groups, r.ObservedNonzero)
}

// SerialResult is the outcome of the overlapping n-gram test.
type SerialResult struct {
	ChiSquare     float64        `json:"chi2"`
	P             float64        `json:"p_value"`
	Windows       int            `json:"n"`
	GroupSize     int            `json:"group_size"`
	PatternCounts []PatternCount `json:"pattern_counts"`
	Passed        bool           `json:"passed"`
}

func (SerialResult) Test() Name                { return Serial }
func (r SerialResult) Succeeded() bool         { return r.Passed }
func (r SerialResult) PValue() (float64, bool) { return r.P, true }

func (r SerialResult) String() string {
	return fmt.Sprintf("Serial Test (%d-bit windows): X^2=%.2f, p-value=%.3g, %s (Patterns: %s)",
		r.GroupSize, r.ChiSquare, r.P, verdict(r.Passed), formatPatterns(r.PatternCounts))
}

// AutocorrelationResult is the outcome of the lagged autocorrelation test.
type AutocorrelationResult struct {
	Autocorrelation float64 `json:"autocorrelation"`
	Lag             int     `json:"lag"`
	Z               float64 `json:"z"`
	P               float64 `json:"p_value"`
	N               int     `json:"n"`
	Passed          bool    `json:"passed"`
}

func (AutocorrelationResult) Test() Name                { return Autocorrelation }
func (r AutocorrelationResult) Succeeded() bool         { return r.Passed }
func (r AutocorrelationResult) PValue() (float64, bool) { return r.P, true }

func (r AutocorrelationResult) String() string {
	return fmt.Sprintf("Autocorrelation Test (lag=%d): r=%.3f, z-score=%.2f, p-value=%.3g, %s",
		r.Lag, r.Autocorrelation, r.Z, r.P, verdict(r.Passed))
}

// PokerResult is the outcome of the poker test.
type PokerResult struct {
	ChiSquare     float64        `json:"chi2"`
	P             float64        `json:"p_value"`
	NumGroups     int            `json:"num_groups"`
	GroupSize     int            `json:"group_size"`
	PatternCounts []PatternCount `json:"pattern_counts"`
	Passed        bool           `json:"passed"`
}

func (PokerResult) Test() Name                { return Poker }
func (r PokerResult) Succeeded() bool         { return r.Passed }
func (r PokerResult) PValue() (float64, bool) { return r.P, true }

func (r PokerResult) String() string {
	return fmt.Sprintf("Poker Test (%d-bit): X^2=%.2f, p-value=%.3g, %s (%d groups, patterns: %s)",
		r.GroupSize, r.ChiSquare, r.P, verdict(r.Passed), r.NumGroups, formatPatterns(r.PatternCounts))
}

// MaurerResult is the outcome of Maurer's universal statistical test.
type MaurerResult struct {
	Fn       float64 `json:"fn"`
	Expected float64 `json:"expected"`
	Z        float64 `json:"z"`
	P        float64 `json:"p_value"`
	L        int     `json:"l"`
	Q        int     `json:"q"`
	K        int     `json:"k"`
	N        int     `json:"n"`
	Passed   bool    `json:"passed"`
}

func (MaurerResult) Test() Name                { return Maurer }
func (r MaurerResult) Succeeded() bool         { return r.Passed }
func (r MaurerResult) PValue() (float64, bool) { return r.P, true }

func (r MaurerResult) String() string {
	return fmt.Sprintf("Maurer's Universal Test: fn=%.3f, expected=%.3f, z-score=%.2f, p-value=%.3g, %s (L=%d, K=%d blocks)",
		r.Fn, r.Expected, r.Z, r.P, verdict(r.Passed), r.L, r.K)
}

// ErrorResult stands in for a test that could not be computed. It never
// passes.
type ErrorResult struct {
	Name    Name   `json:"test"`
	Kind    string `json:"kind"`
	Message string `json:"error"`
	Passed  bool   `json:"passed"`
}

// NewErrorResult converts err into an ErrorResult attributed to test.
func NewErrorResult(test Name, err error) ErrorResult {
	message := err.Error()
	var verr *Error
	if errors.As(err, &verr) {
		message = verr.Message
	}
	return ErrorResult{Name: test, Kind: KindLabel(err), Message: message}
}

func (r ErrorResult) Test() Name            { return r.Name }
func (ErrorResult) Succeeded() bool         { return false }
func (ErrorResult) PValue() (float64, bool) { return 0, false }
func (r ErrorResult) String() string        { return fmt.Sprintf("%s ERROR: %s", r.Name, r.Message) }

// Encoded results carry their test name under "test", the key ErrorResult
// also uses.
type (
	frequencyFields       FrequencyResult
	runsFields            RunsResult
	chiSquareFields       ChiSquareResult
	serialFields          SerialResult
	autocorrelationFields AutocorrelationResult
	pokerFields           PokerResult
	maurerFields          MaurerResult
)

func (r FrequencyResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Test Name `json:"test"`
		frequencyFields
	}{Frequency, frequencyFields(r)})
}

func (r RunsResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Test Name `json:"test"`
		runsFields
	}{Runs, runsFields(r)})
}

func (r ChiSquareResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Test Name `json:"test"`
		chiSquareFields
	}{ChiSquare, chiSquareFields(r)})
}

func (r SerialResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Test Name `json:"test"`
		serialFields
	}{Serial, serialFields(r)})
}

func (r AutocorrelationResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Test Name `json:"test"`
		autocorrelationFields
	}{Autocorrelation, autocorrelationFields(r)})
}

func (r PokerResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Test Name `json:"test"`
		pokerFields
	}{Poker, pokerFields(r)})
}

func (r MaurerResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Test Name `json:"test"`
		maurerFields
	}{Maurer, maurerFields(r)})
}

func verdict(passed bool) string {
	if passed {
		return "PASS"
	}
	return "FAIL"
}

func formatPatterns(counts []PatternCount) string {
	parts := make([]string, len(counts))
	for i, pc := range counts {
		parts[i] = pc.Pattern + ":" + fmt.Sprint(pc.Count)
	}
	return strings.Join(parts, ", ")
}
