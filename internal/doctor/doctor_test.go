package doctor

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockCheck struct {
	mock.Mock
}

func (m *mockCheck) Name() string       { return m.Called().String(0) }
func (m *mockCheck) Category() Category { return Category(m.Called().String(0)) }

func (m *mockCheck) Run(ctx context.Context) *CheckResult {
	res, _ := m.Called(ctx).Get(0).(*CheckResult)
	return res
}

func newMockCheck(t *testing.T, result *CheckResult) *mockCheck {
	t.Helper()
	m := &mockCheck{}
	m.On("Run", mock.Anything).Return(result)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

type fixableCheck struct {
	mockCheck
	canFix bool
	fixed  int
}

func (f *fixableCheck) CanFix() bool { return f.canFix }

func (f *fixableCheck) Fix() []FixResult {
	f.fixed++
	return []FixResult{{Path: "/x", Fixed: true}}
}

func TestRunner_Run(t *testing.T) {
	tests := []struct {
		name         string
		results      []*CheckResult
		wantPassed   int
		wantInfo     int
		wantWarnings int
		wantErrors   int
		wantWorst    Severity
	}{
		{name: "empty runner"},
		{name: "single pass", results: []*CheckResult{{Status: SeverityPass}}, wantPassed: 1},
		{name: "single info", results: []*CheckResult{{Status: SeverityInfo}}, wantInfo: 1, wantWorst: SeverityInfo},
		{name: "single warning", results: []*CheckResult{{Status: SeverityWarning}}, wantWarnings: 1, wantWorst: SeverityWarning},
		{name: "single error", results: []*CheckResult{{Status: SeverityError}}, wantErrors: 1, wantWorst: SeverityError},
		{
			name: "mixed severities",
			results: []*CheckResult{
				{Status: SeverityPass},
				{Status: SeverityPass},
				{Status: SeverityInfo},
				{Status: SeverityWarning},
				{Status: SeverityWarning},
				{Status: SeverityError},
			},
			wantPassed: 2, wantInfo: 1, wantWarnings: 2, wantErrors: 1, wantWorst: SeverityError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
			r := NewRunner().WithClock(testclock.NewClock(now))
			for _, result := range tt.results {
				r.AddCheck(newMockCheck(t, result))
			}

			report := r.Run(context.Background())

			assert.Equal(t, now, report.Timestamp)
			assert.Len(t, report.Results, len(tt.results))
			assert.Equal(t, tt.wantPassed, report.Summary.Passed)
			assert.Equal(t, tt.wantInfo, report.Summary.Info)
			assert.Equal(t, tt.wantWarnings, report.Summary.Warnings)
			assert.Equal(t, tt.wantErrors, report.Summary.Errors)
			assert.Equal(t, tt.wantWorst, report.Summary.Worst())
			assert.Equal(t, tt.wantErrors > 0, report.HasErrors())
			assert.Equal(t, tt.wantWarnings > 0, report.HasWarnings())
		})
	}
}

func TestRunner_RunStopsWhenCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRunner()
	r.AddCheck(&mockCheck{})
	report := r.Run(ctx)
	assert.Empty(t, report.Results)
}

func TestRunner_Fix(t *testing.T) {
	r := NewRunner()
	plain := newMockCheck(t, &CheckResult{Status: SeverityPass})
	withIssues := &fixableCheck{canFix: true}
	clean := &fixableCheck{}
	r.AddCheck(plain)
	r.AddCheck(withIssues)
	r.AddCheck(clean)

	results := r.Fix()
	require.Len(t, results, 1)
	assert.True(t, results[0].Fixed)
	assert.Equal(t, 1, withIssues.fixed)
	assert.Equal(t, 0, clean.fixed)
}

func TestSeverity_String(t *testing.T) {
	tests := map[Severity]string{
		SeverityPass:    "pass",
		SeverityInfo:    "info",
		SeverityWarning: "warning",
		SeverityError:   "error",
		Severity(42):    "unknown",
	}
	for s, want := range tests {
		assert.Equal(t, want, s.String())
	}

	data, err := SeverityWarning.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"warning"`, string(data))
}
