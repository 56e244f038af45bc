// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package depth

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Measures accumulates per-image Errors over an evaluation set.
//
// The zero value is ready to use. Measures from different workers can be combined with Merge,
// since they only hold sums and a count.
type Measures struct {
	Sums  Errors
	Count int
}

// Add the errors of one image.
func (m *Measures) Add(e Errors) {
	for ii, v := range e {
		m.Sums[ii] += v
	}
	m.Count++
}

// Merge adds the sums and count of other into m.
func (m *Measures) Merge(other Measures) {
	for ii, v := range other.Sums {
		m.Sums[ii] += v
	}
	m.Count += other.Count
}

// Mean returns the average of each metric. It returns false if no images were accumulated.
func (m *Measures) Mean() (Errors, bool) {
	var mean Errors
	if m.Count == 0 {
		return mean, false
	}
	for ii, v := range m.Sums {
		mean[ii] = v / float64(m.Count)
	}
	return mean, true
}

// FormatRow formats the errors as a comma separated row, each value with 7 characters and 3 decimal places.
func (e Errors) FormatRow() string {
	parts := make([]string, NumMetrics)
	for ii, v := range e {
		parts[ii] = fmt.Sprintf("%7.3f", v)
	}
	return strings.Join(parts, ", ")
}

// FormatHeader returns the metric names aligned with FormatRow.
func FormatHeader() string {
	parts := make([]string, NumMetrics)
	for ii, name := range MetricNames {
		parts[ii] = fmt.Sprintf("%7s", name)
	}
	return strings.Join(parts, ", ")
}

var (
	tableStyle  = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Bold(true)
)

// Table renders the mean errors accumulated so far as a boxed two-line table, titled with the number
// of evaluated samples.
func (m *Measures) Table() string {
	mean, _ := m.Mean()
	title := fmt.Sprintf("Computing errors for %d eval samples", m.Count)
	body := lipgloss.JoinVertical(lipgloss.Left, headerStyle.Render(FormatHeader()), mean.FormatRow())
	return lipgloss.JoinVertical(lipgloss.Left, title, tableStyle.Render(body))
}
