package postgres

// SQL for the catalog (processed files, snapshot watermarks).

const (
	// queryIsProcessed checks the identity token against the admission ledger.
	queryIsProcessed = `
		SELECT EXISTS (
			SELECT 1 FROM processed_files WHERE token = $1
		)
	`

	// queryRecordProcessed registers an ingested file.
	// ON CONFLICT DO NOTHING keeps re-registration of a known token a no-op.
	queryRecordProcessed = `
		INSERT INTO processed_files (token, source, dt, path, row_count, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (token) DO NOTHING
	`

	// queryDeleteProcessed forgets files of one source in an inclusive date range.
	// Used by force reprocess only.
	queryDeleteProcessed = `
		DELETE FROM processed_files
		WHERE source = $1
		  AND dt >= $2
		  AND dt <= $3
	`

	queryListProcessed = `
		SELECT token, source, dt, path, row_count, ingested_at
		FROM processed_files
		WHERE source = $1
		ORDER BY dt ASC, path ASC
	`

	queryReadWatermark = `SELECT watermark FROM snapshot_watermarks WHERE source = $1`

	// queryAdvanceWatermark never moves a watermark backwards.
	queryAdvanceWatermark = `
		INSERT INTO snapshot_watermarks (source, watermark, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (source) DO UPDATE SET
			watermark  = GREATEST(snapshot_watermarks.watermark, EXCLUDED.watermark),
			updated_at = EXCLUDED.updated_at
	`
)

// SQL for the daily aggregate tables.

const (
	queryDeletePageViewsDay = `DELETE FROM page_views_daily WHERE source = $1 AND dt = $2`

	queryInsertPageViews = `
		INSERT INTO page_views_daily (source, dt, views, uniq_ips)
		VALUES ($1, $2, $3, $4)
	`

	queryDeleteSearchesDay = `DELETE FROM searches_daily WHERE source = $1 AND dt = $2`

	queryInsertSearch = `
		INSERT INTO searches_daily (source, dt, query, cnt)
		VALUES ($1, $2, $3, $4)
	`

	// An empty $1 selects every source.
	querySelectPageViews = `
		SELECT source, dt, views, uniq_ips
		FROM page_views_daily
		WHERE ($1 = '' OR source = $1)
		ORDER BY source ASC, dt ASC
	`

	querySelectSearches = `
		SELECT source, dt, query, cnt
		FROM searches_daily
		WHERE ($1 = '' OR source = $1)
		ORDER BY source ASC, dt ASC, query ASC
	`
)
