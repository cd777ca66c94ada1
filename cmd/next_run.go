package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scrape-scheduler/internal/clock/system"
	"github.com/JakeFAU/scrape-scheduler/internal/recurrence"
	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

type nextRunFlags struct {
	frequency string
	timeOfDay string
	timezone  string
	days      []int
	start     string
	end       string
	lastRun   string
	now       string
	count     int
}

// newNextRunCmd previews a schedule without starting the service.
func newNextRunCmd() *cobra.Command {
	var f nextRunFlags
	cmd := &cobra.Command{
		Use:   "next-run",
		Short: "Print the upcoming run times of a schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sched, now, lastRun, err := f.parse()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "due: %t\n", recurrence.IsDue(sched, lastRun, now))
			at := now
			for i := 0; i < f.count; i++ {
				next := recurrence.NextRunAt(sched, at)
				if next.IsZero() {
					if i == 0 {
						fmt.Fprintln(out, "next: none")
					}
					break
				}
				fmt.Fprintf(out, "next: %s\n", next.Format(time.RFC3339))
				at = next
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.frequency, "frequency", string(scrape.FrequencyDaily), "daily, weekly or monthly")
	flags.StringVar(&f.timeOfDay, "time", "09:00", "time of day as HH:MM")
	flags.StringVar(&f.timezone, "timezone", "UTC", "IANA timezone")
	flags.IntSliceVar(&f.days, "days", nil, "weekdays for weekly schedules, 0=Sunday")
	flags.StringVar(&f.start, "start", "", "first allowed date (RFC3339)")
	flags.StringVar(&f.end, "end", "", "last allowed date (RFC3339)")
	flags.StringVar(&f.lastRun, "last-run", "", "previous run time (RFC3339)")
	flags.StringVar(&f.now, "now", "", "evaluate at this time instead of the current time (RFC3339)")
	flags.IntVar(&f.count, "count", 1, "number of upcoming runs to print")
	return cmd
}

func (f nextRunFlags) parse() (scrape.Schedule, time.Time, time.Time, error) {
	sched := scrape.Schedule{
		Frequency:  scrape.Frequency(f.frequency),
		TimeOfDay:  f.timeOfDay,
		Timezone:   f.timezone,
		DaysOfWeek: f.days,
	}
	var err error
	if sched.StartDate, err = optionalTime("start", f.start); err != nil {
		return scrape.Schedule{}, time.Time{}, time.Time{}, err
	}
	if sched.EndDate, err = optionalTime("end", f.end); err != nil {
		return scrape.Schedule{}, time.Time{}, time.Time{}, err
	}
	if err := sched.Validate(); err != nil {
		return scrape.Schedule{}, time.Time{}, time.Time{}, err
	}

	var clock scrape.Clock = system.New()
	if at, err := optionalTime("now", f.now); err != nil {
		return scrape.Schedule{}, time.Time{}, time.Time{}, err
	} else if at != nil {
		clock = system.At(*at)
	}
	now := clock.Now()
	var lastRun time.Time
	if at, err := optionalTime("last-run", f.lastRun); err != nil {
		return scrape.Schedule{}, time.Time{}, time.Time{}, err
	} else if at != nil {
		lastRun = *at
	}
	return sched, now, lastRun, nil
}

func optionalTime(name, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return &t, nil
}
