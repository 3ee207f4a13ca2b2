package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Entity kinds accepted by the endpoint_entities table.
const (
	KindListener   = "listener"
	KindConnector  = "connector"
	KindSSLProfile = "ssl_profile"
)

var allowedEntityKinds = map[string]struct{}{
	KindListener:   {},
	KindConnector:  {},
	KindSSLProfile: {},
}

// EndpointEntity is one persisted listener, connector or TLS profile
// definition, stored as the raw key/value fields it was created from.
type EndpointEntity struct {
	Kind      string
	ID        string
	Name      string
	Fields    map[string]string
	Position  int64
	CreatedAt string
	UpdatedAt string
}

func normalizeEntityKind(value string) (string, error) {
	value = strings.TrimSpace(value)
	if _, ok := allowedEntityKinds[value]; !ok {
		return "", fmt.Errorf("config: invalid entity kind %q", value)
	}
	return value, nil
}

// SaveEntity inserts or updates an endpoint definition. New entities are
// appended after all existing entities of the same kind; updates keep
// their original position.
func (s *Store) SaveEntity(ctx context.Context, entity EndpointEntity) error {
	if s.readOnly {
		return fmt.Errorf("config: save entity: store opened read-only")
	}

	kind, err := normalizeEntityKind(entity.Kind)
	if err != nil {
		return err
	}
	id := strings.TrimSpace(entity.ID)
	if id == "" {
		return fmt.Errorf("config: save entity: id required")
	}

	payload, err := json.Marshal(entity.Fields)
	if err != nil {
		return fmt.Errorf("config: marshal entity fields: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO endpoint_entities (instance_name, kind, id, name, fields, position, created_at, updated_at)
            VALUES (?, ?, ?, ?, ?,
                (SELECT COALESCE(MAX(position), 0) + 1 FROM endpoint_entities WHERE instance_name = ? AND kind = ?),
                CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
            ON CONFLICT(instance_name, kind, id) DO UPDATE SET
                name = excluded.name,
                fields = excluded.fields,
                updated_at = CURRENT_TIMESTAMP
        `,
			s.instanceName, kind, id, strings.TrimSpace(entity.Name), string(payload),
			s.instanceName, kind,
		)
		if err != nil {
			return fmt.Errorf("config: save %s %q: %w", kind, id, err)
		}
		return nil
	})
}

// ListEntities returns all stored entities of the given kind in creation
// order.
func (s *Store) ListEntities(ctx context.Context, kind string) ([]EndpointEntity, error) {
	kind, err := normalizeEntityKind(kind)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT kind, id, name, fields, position, created_at, updated_at
        FROM endpoint_entities
        WHERE instance_name = ? AND kind = ?
        ORDER BY position
    `, s.instanceName, kind)
	if err != nil {
		return nil, fmt.Errorf("config: list %s entities: %w", kind, err)
	}
	defer rows.Close()

	var entities []EndpointEntity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("config: scan %s entity: %w", kind, err)
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("config: iterate %s entities: %w", kind, err)
	}

	return entities, nil
}

// GetEntity retrieves one entity by kind and id.
func (s *Store) GetEntity(ctx context.Context, kind, id string) (EndpointEntity, error) {
	kind, err := normalizeEntityKind(kind)
	if err != nil {
		return EndpointEntity{}, err
	}
	id = strings.TrimSpace(id)

	row := s.db.QueryRowContext(ctx, `
        SELECT kind, id, name, fields, position, created_at, updated_at
        FROM endpoint_entities
        WHERE instance_name = ? AND kind = ? AND id = ?
    `, s.instanceName, kind, id)

	entity, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EndpointEntity{}, NotFoundError{Entity: kind, Key: id}
		}
		return EndpointEntity{}, fmt.Errorf("config: get %s %q: %w", kind, id, err)
	}
	return entity, nil
}

// DeleteEntity removes one entity by kind and id.
func (s *Store) DeleteEntity(ctx context.Context, kind, id string) error {
	if s.readOnly {
		return fmt.Errorf("config: delete entity: store opened read-only")
	}

	kind, err := normalizeEntityKind(kind)
	if err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("config: delete entity: id required")
	}

	res, err := s.db.ExecContext(ctx, `
        DELETE FROM endpoint_entities
        WHERE instance_name = ? AND kind = ? AND id = ?
    `, s.instanceName, kind, id)
	if err != nil {
		return fmt.Errorf("config: delete %s %q: %w", kind, id, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return NotFoundError{Entity: kind, Key: id}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(scanner rowScanner) (EndpointEntity, error) {
	var (
		entity    EndpointEntity
		fieldsRaw string
	)
	if err := scanner.Scan(
		&entity.Kind,
		&entity.ID,
		&entity.Name,
		&fieldsRaw,
		&entity.Position,
		&entity.CreatedAt,
		&entity.UpdatedAt,
	); err != nil {
		return EndpointEntity{}, err
	}

	if strings.TrimSpace(fieldsRaw) != "" {
		if err := json.Unmarshal([]byte(fieldsRaw), &entity.Fields); err != nil {
			return EndpointEntity{}, fmt.Errorf("decode fields for %s: %w", entity.ID, err)
		}
	}
	return entity, nil
}
