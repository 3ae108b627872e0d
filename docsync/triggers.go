// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
)

// TriggerData holds the data needed for trigger template rendering
type TriggerData struct {
	TableName      string
	TrackedColumns string
}

// Marks a freshly inserted row dirty and stamps updated_at unless the app supplied one
const insertTriggerTemplate = `CREATE TRIGGER IF NOT EXISTS trg_{{.TableName}}_sync_ai
AFTER INSERT ON {{.TableName}}
WHEN COALESCE((SELECT apply_mode FROM _sync_client_info WHERE id = 1), 0) = 0
BEGIN
	UPDATE {{.TableName}} SET
		is_synced = 0,
		updated_at = COALESCE(NEW.updated_at, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	WHERE id = NEW.id;
END`

// Fires only for synced data columns and is_deleted, so the bookkeeping update below
// does not trigger itself
const updateTriggerTemplate = `CREATE TRIGGER IF NOT EXISTS trg_{{.TableName}}_sync_au
AFTER UPDATE OF {{.TrackedColumns}} ON {{.TableName}}
WHEN COALESCE((SELECT apply_mode FROM _sync_client_info WHERE id = 1), 0) = 0
BEGIN
	UPDATE {{.TableName}} SET
		is_synced = 0,
		updated_at = CASE
			WHEN NEW.updated_at IS NOT OLD.updated_at THEN NEW.updated_at
			ELSE strftime('%Y-%m-%dT%H:%M:%fZ','now')
		END
	WHERE id = NEW.id;
END`

var (
	insertTriggerTmpl = template.Must(template.New("insert").Parse(insertTriggerTemplate))
	updateTriggerTmpl = template.Must(template.New("update").Parse(updateTriggerTemplate))
)

// createTriggersForCollection installs the change-marking triggers of a collection.
// Existing triggers are dropped first so that a changed field list takes effect.
func createTriggersForCollection(ctx context.Context, q queryer, spec *collectionSpec) error {
	tracked := []string{ColIsDeleted}
	for _, f := range spec.Fields {
		tracked = append(tracked, f.Column)
	}
	for _, fk := range spec.ForeignKeys {
		tracked = append(tracked, fk.Column)
	}
	data := TriggerData{TableName: spec.Name, TrackedColumns: strings.Join(tracked, ", ")}

	for _, stmt := range []string{
		fmt.Sprintf(`DROP TRIGGER IF EXISTS trg_%s_sync_ai`, spec.Name),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS trg_%s_sync_au`, spec.Name),
	} {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to drop trigger: %w", err)
		}
	}

	for _, tmpl := range []*template.Template{insertTriggerTmpl, updateTriggerTmpl} {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return fmt.Errorf("failed to render %s trigger: %w", tmpl.Name(), err)
		}
		if _, err := q.ExecContext(ctx, buf.String()); err != nil {
			return fmt.Errorf("failed to create %s trigger for %s: %w", tmpl.Name(), spec.Name, err)
		}
	}
	return nil
}
