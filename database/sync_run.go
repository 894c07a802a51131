/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"

	"github.com/blnkfinance/bankfeed/internal/apierror"
	"github.com/blnkfinance/bankfeed/model"
	"go.opentelemetry.io/otel"
)

func (d Datasource) RecordSyncRun(ctx context.Context, run model.SyncRun) error {
	ctx, span := otel.Tracer("bankfeed.database").Start(ctx, "Recording sync run")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO bankfeed.sync_runs (
			correlation_id, connection_id, account_id, provider, status, pages,
			synced, inserted, duplicates, rejected, error, started_at, finished_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (correlation_id) DO NOTHING
	`, run.CorrelationID, run.ConnectionID, run.AccountID, run.Provider, run.Status, run.Pages,
		run.Synced, run.Inserted, run.Duplicates, run.Rejected, nullString(run.Error), run.StartedAt, run.FinishedAt)
	if err != nil {
		span.RecordError(err)
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record sync run", err)
	}
	return nil
}

// ListSyncRuns returns the most recent runs for an account, newest first.
func (d Datasource) ListSyncRuns(ctx context.Context, connectionID, accountID string, limit int) ([]model.SyncRun, error) {
	ctx, span := otel.Tracer("bankfeed.database").Start(ctx, "Listing sync runs")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT correlation_id, connection_id, account_id, provider, status, pages,
			synced, inserted, duplicates, rejected, COALESCE(error, ''), started_at, finished_at
		FROM bankfeed.sync_runs
		WHERE connection_id = $1 AND account_id = $2
		ORDER BY started_at DESC
		LIMIT $3
	`, connectionID, accountID, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list sync runs", err)
	}
	defer rows.Close()

	var runs []model.SyncRun
	for rows.Next() {
		var run model.SyncRun
		if err := rows.Scan(&run.CorrelationID, &run.ConnectionID, &run.AccountID, &run.Provider, &run.Status, &run.Pages,
			&run.Synced, &run.Inserted, &run.Duplicates, &run.Rejected, &run.Error, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan sync run", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate sync runs", err)
	}
	return runs, nil
}
