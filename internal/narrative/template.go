// Package narrative renders period metrics as short prose with inline metric
// references.
package narrative

import (
	"context"
	"strings"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/couchcryptid/forest-disturbance-etl/internal/grounding"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// TemplateGenerator writes a fixed English summary. Every number it emits is
// a reference to a metric key, so its output always grounds. It ignores
// hints.
type TemplateGenerator struct {
	printer *message.Printer
}

// NewTemplateGenerator returns a generator formatting numbers for English.
func NewTemplateGenerator() *TemplateGenerator {
	return &TemplateGenerator{printer: message.NewPrinter(language.English)}
}

// Generate implements grounding.Generator.
func (g *TemplateGenerator) Generate(_ context.Context, req grounding.NarrativeRequest) (string, error) {
	m := req.Metric
	var b strings.Builder

	b.WriteString("For the period starting ")
	b.WriteString(m.PeriodStart.UTC().Format(time.DateOnly))
	b.WriteString(" and ending before ")
	b.WriteString(m.PeriodEnd.UTC().Format(time.DateOnly))
	b.WriteString(", the region recorded ")
	b.WriteString(g.ref(domain.MetricDisturbanceAreaHa, g.decimal(m.DisturbanceAreaHa)))
	b.WriteString(" hectares of forest disturbance across ")
	b.WriteString(g.ref(domain.MetricEventCount, g.integer(m.EventCount)))
	b.WriteString(" events (")
	b.WriteString(g.ref(domain.MetricEventsHighest, g.integer(m.EventsHighest)))
	b.WriteString(" seen by several sources, ")
	b.WriteString(g.ref(domain.MetricEventsHigh, g.integer(m.EventsHigh)))
	b.WriteString(" re-detected by one source, ")
	b.WriteString(g.ref(domain.MetricEventsLow, g.integer(m.EventsLow)))
	b.WriteString(" single detections) from ")
	b.WriteString(g.ref(domain.MetricRecordCount, g.integer(m.RecordCount)))
	b.WriteString(" alerts.")

	if m.BaselineVersion > 0 {
		b.WriteString(" That is ")
		b.WriteString(g.ref(domain.MetricPercentOfBaseline, g.decimal(m.PercentOfBaseline)+"%"))
		b.WriteString(" of the ")
		b.WriteString(g.ref(domain.MetricBaselineCoverHa, g.decimal(m.BaselineCoverHa)))
		b.WriteString(" hectare baseline forest cover.")
	}
	if m.HasPrevious {
		b.WriteString(" Compared with the previous period, disturbed area changed by ")
		b.WriteString(g.ref(domain.MetricPercentageIncrease, g.decimal(m.PercentageChange)+"%"))
		b.WriteString(".")
	}
	if m.LowData {
		b.WriteString(" Few alerts contributed to this period, so these figures carry low confidence.")
	}
	return b.String(), nil
}

func (g *TemplateGenerator) ref(key, value string) string {
	return "[[" + key + ": " + value + "]]"
}

func (g *TemplateGenerator) integer(n int) string {
	return g.printer.Sprintf("%d", n)
}

// decimal formats d with grouping and up to four fraction digits. The sign is
// written as an ASCII hyphen regardless of locale.
func (g *TemplateGenerator) decimal(d decimal.Decimal) string {
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Neg()
	}
	return sign + g.printer.Sprint(number.Decimal(d.InexactFloat64(), number.MaxFractionDigits(domain.MetricScale)))
}
