// Package clock is a self-contained capability plugin that tells the time.
package clock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/voxa/pkg/tools"
)

const Name = "clock"

type currentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA zone such as Asia/Jakarta; defaults to UTC"`
}

// Plugin builds the clock plugin. now is injectable for tests.
func Plugin(now func() time.Time) (tools.Plugin, error) {
	if now == nil {
		now = time.Now
	}
	currentTime, err := tools.NewTyped(
		"current_time",
		"Returns the current date and time in a timezone.",
		func(ctx context.Context, call tools.Call, args currentTimeArgs) (string, error) {
			zone := strings.TrimSpace(args.Timezone)
			if zone == "" {
				zone = "UTC"
			}
			loc, err := time.LoadLocation(zone)
			if err != nil {
				return "", fmt.Errorf("unknown timezone %q", zone)
			}
			return now().In(loc).Format("Monday, 2 January 2006 15:04 MST"), nil
		},
	)
	if err != nil {
		return tools.Plugin{}, err
	}
	return tools.Plugin{
		Name:     Name,
		Guidance: "Use current_time whenever the user asks about the date or time instead of guessing.",
		Tools:    []tools.Tool{currentTime},
	}, nil
}
