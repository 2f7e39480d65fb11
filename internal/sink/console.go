package sink

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/HerbHall/memwatcher/internal/export"
	"github.com/HerbHall/memwatcher/pkg/models"
)

// Console prints one "<name> <value>" line per metric, then a "***"
// separator. Write errors are ignored; the console sink never fails.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

var _ export.Sink = (*Console)(nil)

// NewConsole creates a console sink writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Name() string { return "console" }

func (c *Console) Write(_ context.Context, s models.Sample) error {
	var b strings.Builder
	for _, m := range s.Metrics {
		b.WriteString(m.Name)
		b.WriteByte(' ')
		b.WriteString(models.FormatValue(m.Value))
		b.WriteByte('\n')
	}
	b.WriteString("***\n")

	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.w, b.String())
	return nil
}
