package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/attend/internal/config"
	"github.com/your-org/attend/internal/models"
)

// ErrDuplicateRecord is returned by InsertAttendanceRecord when the
// (session, user) pair already has a record. Callers treat it as a benign
// outcome of concurrent writers, not a failure.
var ErrDuplicateRecord = errors.New("attendance record already exists")

const pgUniqueViolation = "23505"

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Sessions ---

func (s *PostgresStore) GetSession(ctx context.Context, id uuid.UUID) (*models.AttendanceSession, error) {
	sess := &models.AttendanceSession{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, organization_id, title, description, location, start_time, duration_minutes, creator_id, created_at, updated_at
		 FROM attendance_sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.OrganizationID, &sess.Title, &sess.Description, &sess.Location,
		&sess.StartTime, &sess.DurationMinutes, &sess.CreatorID, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// --- Users ---

func (s *PostgresStore) ListUsers(ctx context.Context, orgID uuid.UUID) ([]models.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, organization_id, name, email, COALESCE(image_ref, ''), created_at, updated_at
		 FROM users WHERE organization_id = $1`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.OrganizationID, &u.Name, &u.Email, &u.ImageRef,
			&u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	u := &models.User{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, organization_id, name, email, COALESCE(image_ref, ''), created_at, updated_at
		 FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.OrganizationID, &u.Name, &u.Email, &u.ImageRef, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// SetUserImageRef points a user at a new enrollment image reference.
func (s *PostgresStore) SetUserImageRef(ctx context.Context, id uuid.UUID, ref string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET image_ref = $2, updated_at = now() WHERE id = $1`, id, ref)
	if err != nil {
		return fmt.Errorf("set user image ref: %w", err)
	}
	return nil
}

// ListEnrolledUsers returns users of the organization that have an enrollment
// image reference. Users without one cannot appear in the gallery.
func (s *PostgresStore) ListEnrolledUsers(ctx context.Context, orgID uuid.UUID) ([]models.EnrolledUser, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, image_ref FROM users
		 WHERE organization_id = $1 AND image_ref IS NOT NULL AND image_ref <> ''`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list enrolled users: %w", err)
	}
	defer rows.Close()

	var users []models.EnrolledUser
	for rows.Next() {
		var u models.EnrolledUser
		if err := rows.Scan(&u.ID, &u.Name, &u.ImageRef); err != nil {
			return nil, fmt.Errorf("scan enrolled user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Face signatures ---

// ListFaceSignatures returns the persisted enrollment signatures for all
// users of an organization.
func (s *PostgresStore) ListFaceSignatures(ctx context.Context, orgID uuid.UUID) ([]models.FaceSignatureRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT fs.id, fs.user_id, fs.signature, fs.created_at
		 FROM face_signatures fs
		 JOIN users u ON u.id = fs.user_id
		 WHERE u.organization_id = $1
		 ORDER BY fs.user_id, fs.created_at`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list face signatures: %w", err)
	}
	defer rows.Close()

	var sigs []models.FaceSignatureRow
	for rows.Next() {
		var row models.FaceSignatureRow
		var vec pgvector.Vector
		if err := rows.Scan(&row.ID, &row.UserID, &vec, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan face signature: %w", err)
		}
		row.Signature = vec.Slice()
		sigs = append(sigs, row)
	}
	return sigs, rows.Err()
}

// SaveFaceSignature persists a computed enrollment signature so later gallery
// rebuilds can skip re-encoding the image.
func (s *PostgresStore) SaveFaceSignature(ctx context.Context, userID uuid.UUID, signature []float32) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO face_signatures (id, user_id, signature) VALUES ($1, $2, $3)`,
		uuid.New(), userID, pgvector.NewVector(signature))
	if err != nil {
		return fmt.Errorf("save face signature: %w", err)
	}
	return nil
}

// DeleteFaceSignatures removes all persisted signatures for a user, e.g.
// after the enrollment photo is replaced.
func (s *PostgresStore) DeleteFaceSignatures(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM face_signatures WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete face signatures: %w", err)
	}
	return nil
}

// --- Attendance records ---

func (s *PostgresStore) InsertAttendanceRecord(ctx context.Context, rec models.AttendanceRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO attendance_records (session_id, user_id, timestamp) VALUES ($1, $2, $3)`,
		rec.SessionID, rec.UserID, rec.Timestamp)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateRecord
		}
		return fmt.Errorf("insert attendance record: %w", err)
	}
	return nil
}

// BulkInsertAttendanceRecords persists a batch of records, silently skipping
// pairs that already exist.
func (s *PostgresStore) BulkInsertAttendanceRecords(ctx context.Context, recs []models.AttendanceRecord) error {
	if len(recs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range recs {
		batch.Queue(
			`INSERT INTO attendance_records (session_id, user_id, timestamp) VALUES ($1, $2, $3)
			 ON CONFLICT (session_id, user_id) DO NOTHING`,
			rec.SessionID, rec.UserID, rec.Timestamp)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range recs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("bulk insert attendance records: %w", err)
		}
	}
	return nil
}

// ListAttendanceUserIDs returns the users already recorded for a session.
func (s *PostgresStore) ListAttendanceUserIDs(ctx context.Context, sessionID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM attendance_records WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list attendance user ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan attendance user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListAttendanceRecords returns all records of a session ordered by time.
func (s *PostgresStore) ListAttendanceRecords(ctx context.Context, sessionID uuid.UUID) ([]models.AttendanceRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, user_id, timestamp FROM attendance_records
		 WHERE session_id = $1 ORDER BY timestamp`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list attendance records: %w", err)
	}
	defer rows.Close()

	var recs []models.AttendanceRecord
	for rows.Next() {
		var rec models.AttendanceRecord
		if err := rows.Scan(&rec.SessionID, &rec.UserID, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan attendance record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
