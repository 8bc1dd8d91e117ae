package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kstaniek/go-wmbus-server/internal/meter"
	"github.com/kstaniek/go-wmbus-server/internal/telegram"
)

// printUpdate renders one meter update as a human-readable row from the
// driver's print schema, with the three reading timestamps.
func printUpdate(t *telegram.Telegram, m *meter.Meter) {
	now := time.Now()
	var fields []string
	for _, p := range m.Driver().Prints() {
		if !p.Field {
			continue
		}
		fields = append(fields, fmt.Sprintf("%s=%s", p.Name, p.Get()))
	}
	fmt.Fprintf(os.Stdout, "%s\t%s\t%s\ttimestamp_ut=%d timestamp_utc=%s timestamp_lt=%s\n",
		m.Name,
		t.ID,
		strings.Join(fields, " "),
		now.Unix(),
		now.UTC().Format(time.RFC3339),
		now.Local().Format(time.RFC3339),
	)
}
