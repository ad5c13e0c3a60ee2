/*
Package rollup cascades minute rows into the coarser tinystats tiers.

# Tiers

	minute_stats  (one row per minute, 7 days)
	      ↓ RollupHour, when a minute arrives in a later hour
	hourly_stats  (one row per hour, 90 days)
	      ↓ RollupDay, when a minute arrives on a later civil day
	daily_stats   (one row per date, forever)
	      ↓ RollupWeek on Mondays, RollupMonth on the 1st
	weekly_stats / monthly_stats (forever)

Each step reads its source tier and writes one row keyed on the natural key of
the destination, so every rollup can be rerun without creating duplicates. A
source range with no rows writes nothing: gaps in the coarse tiers mean the
machine was not being monitored.

# Aggregation

For each of cpu, ram and gpu:

	avg = mean of the source avgs
	min = min of the source mins
	max = max of the source maxes

The hour and day tiers also carry cpu_p95, the nearest-rank 95th percentile of
the source cpu avgs (index int(n*0.95), clamped). Temperatures are averaged over
the rows that have them; weeks and months leave them empty. The day tier counts
uptime as 60 minutes per hour row.

# Watermarks

The pipeline remembers the last hour and day it rolled up. Recover restores
them from MAX(timestamp) of the hour and day tiers, so after a restart any hours
missed while the engine was stopped roll up on the first tick:

	p := rollup.New(store, clock.New(loc), accumulator, logger)
	if err := p.Recover(ctx, time.Now()); err != nil {
	    logger.Warn().Err(err).Msg("Using current time as watermark")
	}
	err := p.OnTick(ctx, minuteStart)

A minute older than the hour watermark (clock skew) returns
ErrBoundaryRegression without touching any rollup.

# See Also

  - pkg/process for the per-process hour and day rows
  - pkg/clock for boundary math
*/
package rollup
