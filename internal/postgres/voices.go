package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duanfuxing/indexTTS/internal/domain"
)

type voiceRepository struct {
	pool *pgxpool.Pool
}

// NewVoiceRepository wraps a pgxpool with the VoiceRepository interface.
func NewVoiceRepository(pool *pgxpool.Pool) VoiceRepository {
	return &voiceRepository{pool: pool}
}

const voiceColumns = `name, display_name, description, gender, default_params, enabled, created_at, updated_at`

// GetByName returns an enabled voice. Disabled voices are treated the same
// as unknown ones so a submission can never bind to a retired profile.
func (r *voiceRepository) GetByName(ctx context.Context, name string) (*domain.Voice, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+voiceColumns+`
		FROM voices
		WHERE name = $1 AND enabled
	`, name)

	voice, err := scanVoice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.VoiceNotFoundError{Voice: name}
		}
		return nil, err
	}
	return voice, nil
}

func (r *voiceRepository) List(ctx context.Context, enabledOnly bool) ([]*domain.Voice, error) {
	query := `SELECT ` + voiceColumns + ` FROM voices ORDER BY name`
	if enabledOnly {
		query = `SELECT ` + voiceColumns + ` FROM voices WHERE enabled ORDER BY name`
	}

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list voices: %w", err)
	}
	defer rows.Close()

	var voices []*domain.Voice
	for rows.Next() {
		voice, err := scanVoice(rows)
		if err != nil {
			return nil, err
		}
		voices = append(voices, voice)
	}
	return voices, rows.Err()
}

func scanVoice(row interface {
	Scan(...any) error
}) (*domain.Voice, error) {
	var v domain.Voice
	err := row.Scan(&v.Name, &v.DisplayName, &v.Description, &v.Gender,
		&v.DefaultParams, &v.Enabled, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan voice: %w", err)
	}
	return &v, nil
}
