// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/skinmarket-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке занять уже существующий username или email.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrSkinNotFound возвращается, если скин не найден.
	ErrSkinNotFound = errors.New("skin not found")
	// ErrOwnSkinPurchase возвращается при попытке купить собственный скин.
	ErrOwnSkinPurchase = errors.New("cannot buy own skin")
	// ErrAlreadyPurchased возвращается при повторной покупке того же скина.
	ErrAlreadyPurchased = errors.New("skin already purchased")
	// ErrInsufficientBalance возвращается, если средств в кошельке меньше цены скина.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure или Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		// Если это не pg-ошибка, но сетевая
		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя со стартовым балансом кошелька.
func (r *PostgresRepository) CreateUser(ctx context.Context, username, email string, passwordHash []byte, name, avatar string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO users (username, email, password_hash, name, avatar)
		 VALUES ($1, lower($2), $3, $4, $5)
		 RETURNING id, username, email, password_hash, name, avatar, wallet, created_at`,
		username, email, passwordHash, name, avatar,
	)

	u, err := scanUser(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrUserExists, username)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, username, email, password_hash, name, avatar, wallet, created_at
		 FROM users WHERE id = $1`,
		id,
	)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetUserByIdentifier возвращает пользователя по username или email.
// Email сравнивается без учёта регистра.
func (r *PostgresRepository) GetUserByIdentifier(ctx context.Context, identifier string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, username, email, password_hash, name, avatar, wallet, created_at
		 FROM users WHERE username = $1 OR email = lower($1)`,
		identifier,
	)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// UpdateUser сохраняет изменяемые поля профиля пользователя.
func (r *PostgresRepository) UpdateUser(ctx context.Context, u *model.User) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE users
		 SET username = $2, email = lower($3), password_hash = $4, name = $5, avatar = $6
		 WHERE id = $1`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.Name, u.Avatar,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrUserExists, u.Username)
		}
		return fmt.Errorf("update user: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// DeleteUser удаляет пользователя. Его скины и записи о покупках и скачиваниях
// во всех библиотеках удаляются каскадно внешними ключами.
func (r *PostgresRepository) DeleteUser(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

const skinColumns = `s.id, s.name, s.description, s.price, s.image, s.category, s.creator_id,
	 s.file_url, s.tags, s.downloads, s.purchases, s.active, s.created_at,
	 u.username, u.name, u.avatar`

// CreateSkin сохраняет новый скин и возвращает его с данными автора.
func (r *PostgresRepository) CreateSkin(ctx context.Context, s *model.Skin) (*model.Skin, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO skins (name, description, price, image, category, creator_id, file_url, tags)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		s.Name, s.Description, s.PriceCents, s.Image, string(s.Category), s.CreatorID, s.FileURL, s.Tags,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("create skin: %w", err)
	}

	return r.GetSkinByID(ctx, id)
}

// GetSkinByID возвращает скин по идентификатору вместе с публичными данными автора.
func (r *PostgresRepository) GetSkinByID(ctx context.Context, id int64) (*model.Skin, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+skinColumns+`
		 FROM skins s
		 JOIN users u ON u.id = s.creator_id
		 WHERE s.id = $1`,
		id,
	)

	s, err := scanSkin(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSkinNotFound
		}
		return nil, fmt.Errorf("get skin: %w", err)
	}
	return s, nil
}

// ListSkins возвращает активные скины, соответствующие фильтру, в заданном порядке.
func (r *PostgresRepository) ListSkins(ctx context.Context, filter model.ListFilter) ([]model.Skin, error) {
	query := `SELECT ` + skinColumns + `
		 FROM skins s
		 JOIN users u ON u.id = s.creator_id
		 WHERE s.active`
	args := []any{}

	if filter.Category != "" && filter.Category != model.CategoryAll {
		args = append(args, filter.Category)
		query += fmt.Sprintf(" AND s.category = $%d", len(args))
	}
	if filter.PriceMinCents != nil {
		args = append(args, *filter.PriceMinCents)
		query += fmt.Sprintf(" AND s.price >= $%d", len(args))
	}
	if filter.PriceMaxCents != nil {
		args = append(args, *filter.PriceMaxCents)
		query += fmt.Sprintf(" AND s.price <= $%d", len(args))
	}
	if filter.Search != "" {
		args = append(args, "%"+escapeLike(filter.Search)+"%")
		n := len(args)
		query += fmt.Sprintf(
			" AND (s.name ILIKE $%d OR s.description ILIKE $%d OR array_to_string(s.tags, ' ') ILIKE $%d)",
			n, n, n,
		)
	}

	switch filter.Sort {
	case model.SortPriceAsc:
		query += " ORDER BY s.price"
	case model.SortPriceDesc:
		query += " ORDER BY s.price DESC"
	case model.SortMostDownloaded:
		query += " ORDER BY s.downloads DESC"
	case model.SortMostPurchased:
		query += " ORDER BY s.purchases DESC"
	default:
		query += " ORDER BY s.created_at DESC"
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select skins: %w", err)
	}
	defer rows.Close()

	return collectSkins(rows)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike экранирует спецсимволы шаблона LIKE, чтобы поисковая строка
// сопоставлялась буквально.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// UpdateSkin сохраняет изменяемые поля скина.
func (r *PostgresRepository) UpdateSkin(ctx context.Context, s *model.Skin) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE skins
		 SET name = $2, description = $3, price = $4, image = $5, category = $6,
		     file_url = $7, tags = $8, active = $9
		 WHERE id = $1`,
		s.ID, s.Name, s.Description, s.PriceCents, s.Image, string(s.Category),
		s.FileURL, s.Tags, s.Active,
	)
	if err != nil {
		return fmt.Errorf("update skin: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrSkinNotFound
	}
	return nil
}

// DeleteSkin удаляет скин. Записи о его покупках и скачиваниях во всех
// библиотеках пользователей удаляются каскадно внешними ключами.
func (r *PostgresRepository) DeleteSkin(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM skins WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete skin: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrSkinNotFound
	}
	return nil
}

// Purchase выполняет покупку скина в одной транзакции: списание с покупателя,
// отметка о покупке, счётчик продаж и зачисление автору. Условная вставка в
// purchases служит атомарной защитой от двойной покупки, блокировка строки
// покупателя сериализует проверку баланса при параллельных покупках.
func (r *PostgresRepository) Purchase(ctx context.Context, buyerID, skinID int64) (*model.PurchaseResult, error) {
	var res *model.PurchaseResult
	err := r.withRetry(ctx, func() error {
		pr, err := r.purchaseTx(ctx, buyerID, skinID)
		if err != nil {
			return err
		}
		res = pr
		return nil
	})
	return res, err
}

func (r *PostgresRepository) purchaseTx(ctx context.Context, buyerID, skinID int64) (*model.PurchaseResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var price, creatorID int64
	err = tx.QueryRow(ctx,
		`SELECT price, creator_id FROM skins WHERE id = $1`,
		skinID,
	).Scan(&price, &creatorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSkinNotFound
		}
		return nil, fmt.Errorf("select skin: %w", err)
	}

	// Блокируем строку покупателя: параллельная покупка того же пользователя
	// дождётся коммита и увидит уже изменённый баланс.
	var wallet int64
	err = tx.QueryRow(ctx,
		`SELECT wallet FROM users WHERE id = $1 FOR UPDATE`,
		buyerID,
	).Scan(&wallet)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("lock buyer: %w", err)
	}

	if creatorID == buyerID {
		return nil, ErrOwnSkinPurchase
	}

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO purchases (user_id, skin_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		buyerID, skinID,
	)
	if err != nil {
		return nil, fmt.Errorf("insert purchase: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return nil, ErrAlreadyPurchased
	}

	if wallet < price {
		return nil, ErrInsufficientBalance
	}

	if _, err := tx.Exec(ctx,
		`UPDATE users SET wallet = wallet - $2 WHERE id = $1`,
		buyerID, price,
	); err != nil {
		return nil, fmt.Errorf("debit buyer: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE skins SET purchases = purchases + 1 WHERE id = $1`,
		skinID,
	); err != nil {
		return nil, fmt.Errorf("increment purchases: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE users SET wallet = wallet + $2 WHERE id = $1`,
		creatorID, price,
	); err != nil {
		return nil, fmt.Errorf("credit creator: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	skin, err := r.GetSkinByID(ctx, skinID)
	if err != nil {
		return nil, err
	}

	return &model.PurchaseResult{
		Skin:            *skin,
		NewBalanceCents: wallet - price,
	}, nil
}

// HasPurchased отвечает, есть ли у пользователя отметка о покупке скина.
func (r *PostgresRepository) HasPurchased(ctx context.Context, userID, skinID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM purchases WHERE user_id = $1 AND skin_id = $2)`,
		userID, skinID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("select purchase: %w", err)
	}
	return exists, nil
}

// RecordDownload отмечает первое скачивание скина пользователем и увеличивает
// счётчик скачиваний. Повторные вызовы для той же пары ничего не меняют.
func (r *PostgresRepository) RecordDownload(ctx context.Context, userID, skinID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO downloads (user_id, skin_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, skinID,
	)
	if err != nil {
		// Пользователь или скин могли быть удалены после проверки токена.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			if strings.Contains(pgErr.ConstraintName, "skin_id") {
				return ErrSkinNotFound
			}
			return ErrUserNotFound
		}
		return fmt.Errorf("insert download: %w", err)
	}

	if cmdTag.RowsAffected() == 1 {
		if _, err := tx.Exec(ctx,
			`UPDATE skins SET downloads = downloads + 1 WHERE id = $1`,
			skinID,
		); err != nil {
			return fmt.Errorf("increment downloads: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetLibrary возвращает три набора скинов пользователя: загруженные, купленные и скачанные.
func (r *PostgresRepository) GetLibrary(ctx context.Context, userID int64) (*model.Library, error) {
	if _, err := r.GetUserByID(ctx, userID); err != nil {
		return nil, err
	}

	uploaded, err := r.querySkins(ctx,
		`SELECT `+skinColumns+`
		 FROM skins s
		 JOIN users u ON u.id = s.creator_id
		 WHERE s.creator_id = $1
		 ORDER BY s.created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}

	purchased, err := r.querySkins(ctx,
		`SELECT `+skinColumns+`
		 FROM purchases p
		 JOIN skins s ON s.id = p.skin_id
		 JOIN users u ON u.id = s.creator_id
		 WHERE p.user_id = $1
		 ORDER BY p.purchased_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}

	downloaded, err := r.querySkins(ctx,
		`SELECT `+skinColumns+`
		 FROM downloads d
		 JOIN skins s ON s.id = d.skin_id
		 JOIN users u ON u.id = s.creator_id
		 WHERE d.user_id = $1
		 ORDER BY d.downloaded_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}

	return &model.Library{
		Uploaded:   uploaded,
		Purchased:  purchased,
		Downloaded: downloaded,
	}, nil
}

func (r *PostgresRepository) querySkins(ctx context.Context, query string, args ...any) ([]model.Skin, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select skins: %w", err)
	}
	defer rows.Close()

	return collectSkins(rows)
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Name, &u.Avatar, &u.WalletCents, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func scanSkin(row pgx.Row) (*model.Skin, error) {
	var (
		s        model.Skin
		category string
		creator  model.Creator
	)
	err := row.Scan(
		&s.ID, &s.Name, &s.Description, &s.PriceCents, &s.Image, &category, &s.CreatorID,
		&s.FileURL, &s.Tags, &s.Downloads, &s.Purchases, &s.Active, &s.CreatedAt,
		&creator.Username, &creator.Name, &creator.Avatar,
	)
	if err != nil {
		return nil, err
	}

	s.Category = model.Category(category)
	creator.ID = s.CreatorID
	s.Creator = &creator
	return &s, nil
}

func collectSkins(rows pgx.Rows) ([]model.Skin, error) {
	var res []model.Skin
	for rows.Next() {
		s, err := scanSkin(rows)
		if err != nil {
			return nil, fmt.Errorf("scan skin: %w", err)
		}
		res = append(res, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
