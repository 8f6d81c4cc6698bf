package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/nuka-orchestrator/internal/registry"
)

// Catalog entry kinds.
const (
	KindAgent = "agent"
	KindTeam  = "team"
	KindSkill = "skill"
)

// SaveAgent upserts an agent descriptor registered at runtime.
func (s *Store) SaveAgent(ctx context.Context, a registry.AgentDescriptor) error {
	return s.saveEntry(ctx, KindAgent, a.ID, a)
}

// SaveTeam upserts a team descriptor registered at runtime.
func (s *Store) SaveTeam(ctx context.Context, t registry.TeamDescriptor) error {
	return s.saveEntry(ctx, KindTeam, t.ID, t)
}

// SaveSkill upserts a skill registered at runtime.
func (s *Store) SaveSkill(ctx context.Context, sk registry.Skill) error {
	return s.saveEntry(ctx, KindSkill, sk.ID, sk)
}

func (s *Store) saveEntry(ctx context.Context, kind, id string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", kind, id, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO catalog_entries (kind, id, body)
		VALUES ($1, $2, $3)
		ON CONFLICT (kind, id) DO UPDATE SET
			body = EXCLUDED.body,
			updated_at = NOW()`,
		kind, id, body,
	)
	if err != nil {
		return fmt.Errorf("save %s %s: %w", kind, id, err)
	}
	return nil
}

// LoadCatalog returns every persisted descriptor in first-registration order,
// ready to be applied to a registry on startup.
func (s *Store) LoadCatalog(ctx context.Context) (*registry.Catalog, error) {
	rows, err := s.db.Query(ctx, `
		SELECT kind, id, body FROM catalog_entries
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	defer rows.Close()

	c := &registry.Catalog{}
	for rows.Next() {
		var kind, id string
		var body []byte
		if err := rows.Scan(&kind, &id, &body); err != nil {
			return nil, fmt.Errorf("scan catalog entry: %w", err)
		}
		switch kind {
		case KindAgent:
			var a registry.AgentDescriptor
			if err := json.Unmarshal(body, &a); err != nil {
				return nil, fmt.Errorf("decode agent %s: %w", id, err)
			}
			c.Agents = append(c.Agents, a)
		case KindTeam:
			var t registry.TeamDescriptor
			if err := json.Unmarshal(body, &t); err != nil {
				return nil, fmt.Errorf("decode team %s: %w", id, err)
			}
			c.Teams = append(c.Teams, t)
		case KindSkill:
			var sk registry.Skill
			if err := json.Unmarshal(body, &sk); err != nil {
				return nil, fmt.Errorf("decode skill %s: %w", id, err)
			}
			c.Skills = append(c.Skills, sk)
		}
	}
	return c, rows.Err()
}
