/*
Package storage defines the durable tier model for tinystats.

# Tiers

Every aggregate lives in its own table and is keyed on its natural key:

  - minute (TierMinute): one row per minute start, retained 7 days
  - hour (TierHour): one row per hour start, retained 90 days
  - day (TierDay): one row per civil date (YYYY-MM-DD), kept forever
  - week (TierWeek): one row per ISO week (YYYY-Www), kept forever
  - month (TierMonth): one row per month (YYYY-MM), kept forever
  - process_hour (TierProcessHour): one row per (hour, process), retained 90 days
  - process_day (TierProcessDay): one row per (date, process), kept forever
  - events (TierEvents): spikes and lifecycle markers, kept forever

Writes are upserts on the natural key, so every rollup can be replayed without
creating duplicates.

# Readiness

A store that was closed (or never opened) answers every call with ErrNotReady.
The engine turns that into a no-op for writers and an empty result for readers:

	rows, err := store.MinuteRange(ctx, from, to)
	if errors.Is(err, storage.ErrNotReady) {
	    return nil
	}

# Ranges

All range reads are half-open [from, to) in Unix seconds. Callers wanting an
inclusive end pass end+1.

# See Also

  - sqlite.Open() for the SQLite implementation
  - pkg/rollup for how tiers feed each other
*/
package storage
