package stats

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	SnapshotsReceived   atomic.Int64
	SnapshotsEmpty      atomic.Int64
	RecordsNormalized   atomic.Int64
	RecordsDefaulted    atomic.Int64
	RecordsRejected     atomic.Int64
	AmbiguousTimestamps atomic.Int64
	TransportErrors     atomic.Int64
	BackfillRetries     atomic.Int64
	StaleDrops          atomic.Int64
	TrackingPoints      atomic.Int64
	SessionsSaved       atomic.Int64
	ArchiveFailures     atomic.Int64
	FeedClients         atomic.Int64
	FeedDrops           atomic.Int64
)

func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "telemetry_snapshots_received_total %d\n", SnapshotsReceived.Load())
	fmt.Fprintf(w, "telemetry_snapshots_empty_total %d\n", SnapshotsEmpty.Load())
	fmt.Fprintf(w, "telemetry_records_normalized_total %d\n", RecordsNormalized.Load())
	fmt.Fprintf(w, "telemetry_records_defaulted_total %d\n", RecordsDefaulted.Load())
	fmt.Fprintf(w, "telemetry_records_rejected_total %d\n", RecordsRejected.Load())
	fmt.Fprintf(w, "telemetry_ambiguous_timestamps_total %d\n", AmbiguousTimestamps.Load())
	fmt.Fprintf(w, "telemetry_transport_errors_total %d\n", TransportErrors.Load())
	fmt.Fprintf(w, "telemetry_backfill_retries_total %d\n", BackfillRetries.Load())
	fmt.Fprintf(w, "telemetry_stale_drops_total %d\n", StaleDrops.Load())
	fmt.Fprintf(w, "tracking_points_appended_total %d\n", TrackingPoints.Load())
	fmt.Fprintf(w, "tracking_sessions_saved_total %d\n", SessionsSaved.Load())
	fmt.Fprintf(w, "tracking_archive_failures_total %d\n", ArchiveFailures.Load())
	fmt.Fprintf(w, "feed_clients %d\n", FeedClients.Load())
	fmt.Fprintf(w, "feed_dropped_frames_total %d\n", FeedDrops.Load())
}
