package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gestaozabele/geosync/internal/config"
	"github.com/gestaozabele/geosync/internal/db"
	"github.com/gestaozabele/geosync/internal/device"
	"github.com/gestaozabele/geosync/internal/geo"
	"github.com/gestaozabele/geosync/internal/lbac"
	"github.com/gestaozabele/geosync/internal/session"
	"github.com/gestaozabele/geosync/internal/storage"
	"github.com/gestaozabele/geosync/internal/tombstone"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	_ = godotenv.Load()

	ctx := context.Background()

	dsn := strings.TrimSpace(os.Getenv("DB_DSN"))
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		log.Fatal().Msg("defina DB_DSN ou DATABASE_URL")
	}

	pool, err := db.NewPool(ctx, dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("não foi possível conectar ao banco")
	}
	defer pool.Close()

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "load-geo":
		err = runLoadGeo(ctx, pool, args)
	case "assign":
		err = runAssign(ctx, pool, args)
	case "delegate":
		err = runDelegate(ctx, pool, args)
	case "revoke-delegation":
		err = runRevokeDelegation(ctx, pool, args)
	case "gc":
		err = runGC(ctx, pool)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("falha ao executar comando")
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "geoadmin CLI")
	fmt.Fprintln(os.Stderr, "uso:")
	fmt.Fprintln(os.Stderr, "  geoadmin load-geo --file hierarquia.yaml")
	fmt.Fprintln(os.Stderr, "  geoadmin assign --user <uuid> --level district --node <uuid> [--type permanent|temporary|emergency] [--end 2026-12-31] [--reason texto]")
	fmt.Fprintln(os.Stderr, "  geoadmin delegate --from <uuid> --to <uuid> --permissions sync:write,sync:read --level neighborhood --node <uuid> --end 2026-12-31 [--max-uses 10]")
	fmt.Fprintln(os.Stderr, "  geoadmin revoke-delegation --id <uuid>")
	fmt.Fprintln(os.Stderr, "  geoadmin gc")
}

func printJSON(v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(payload))
	return nil
}

func loadTree(ctx context.Context, repo *geo.Repository) (*geo.Tree, error) {
	nodes, err := repo.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	return geo.NewTree(nodes)
}

// lbacService monta o serviço administrativo. Com REDIS_URL definido as
// alterações invalidam o cache de decisões usado pela API.
func lbacService(ctx context.Context, pool *pgxpool.Pool) (*lbac.Service, func(), error) {
	tree, err := loadTree(ctx, geo.NewRepository(pool))
	if err != nil {
		return nil, nil, fmt.Errorf("hierarquia: %w", err)
	}

	var cache lbac.DecisionCache = lbac.NoopCache{}
	cleanup := func() {}
	if url := strings.TrimSpace(os.Getenv("REDIS_URL")); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, nil, fmt.Errorf("redis parse: %w", err)
		}
		client := redis.NewClient(opts)
		cache = lbac.NewRedisCache(client, 0)
		cleanup = func() { _ = client.Close() }
	} else {
		log.Warn().Msg("REDIS_URL ausente; a API verá a alteração só após o TTL do cache")
	}
	return lbac.NewService(lbac.NewRepository(pool), cache, tree, nil), cleanup, nil
}

func runLoadGeo(ctx context.Context, pool *pgxpool.Pool, args []string) error {
	fs := flag.NewFlagSet("load-geo", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	file := fs.String("file", "", "arquivo YAML com a hierarquia")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("file é obrigatório")
	}

	f, err := os.Open(*file)
	if err != nil {
		return fmt.Errorf("abrir arquivo: %w", err)
	}
	defer f.Close()

	nodes, err := geo.ParseSeed(f)
	if err != nil {
		return err
	}

	repo := geo.NewRepository(pool)
	existing, err := repo.LoadAll(ctx)
	if err != nil {
		return err
	}
	// valida a árvore resultante antes de gravar
	if _, err := geo.NewTree(mergeNodes(existing, nodes)); err != nil {
		return fmt.Errorf("hierarquia resultante inválida: %w", err)
	}
	if err := repo.Upsert(ctx, nodes); err != nil {
		return err
	}
	log.Info().Int("nodes", len(nodes)).Str("file", *file).Msg("hierarquia carregada")
	return nil
}

func mergeNodes(existing, incoming []geo.Node) []geo.Node {
	byID := make(map[uuid.UUID]int, len(existing))
	out := append([]geo.Node(nil), existing...)
	for i, n := range out {
		byID[n.ID] = i
	}
	for _, n := range incoming {
		if i, ok := byID[n.ID]; ok {
			out[i] = n
			continue
		}
		byID[n.ID] = len(out)
		out = append(out, n)
	}
	return out
}

func parseScope(level, node string) (geo.Scope, error) {
	lvl, err := geo.ParseLevel(level)
	if err != nil {
		return geo.Scope{}, err
	}
	id, err := uuid.Parse(node)
	if err != nil {
		return geo.Scope{}, fmt.Errorf("node inválido: %w", err)
	}
	return geo.NewScope(lvl, id)
}

func parseDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, raw); err != nil {
			return nil, fmt.Errorf("data inválida %q", raw)
		}
	}
	t = t.UTC()
	return &t, nil
}

func parseOptionalUUID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(raw)
}

func runAssign(ctx context.Context, pool *pgxpool.Pool, args []string) error {
	fs := flag.NewFlagSet("assign", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var (
		user   = fs.String("user", "", "usuário que recebe o escopo")
		level  = fs.String("level", "", "nível do escopo (governorate, district, sub_district, neighborhood)")
		node   = fs.String("node", "", "nó geográfico do escopo")
		typ    = fs.String("type", string(lbac.AssignmentPermanent), "permanent, temporary ou emergency")
		start  = fs.String("start", "", "início da vigência (YYYY-MM-DD)")
		end    = fs.String("end", "", "fim da vigência (YYYY-MM-DD)")
		actor  = fs.String("actor", "", "responsável pela alteração")
		reason = fs.String("reason", "", "motivo registrado no histórico")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	userID, err := uuid.Parse(*user)
	if err != nil {
		return fmt.Errorf("user inválido: %w", err)
	}
	scope, err := parseScope(*level, *node)
	if err != nil {
		return err
	}
	startDate, err := parseDate(*start)
	if err != nil {
		return err
	}
	endDate, err := parseDate(*end)
	if err != nil {
		return err
	}
	actorID, err := parseOptionalUUID(*actor)
	if err != nil {
		return fmt.Errorf("actor inválido: %w", err)
	}

	service, cleanup, err := lbacService(ctx, pool)
	if err != nil {
		return err
	}
	defer cleanup()
	assignment, err := service.Assign(ctx, lbac.AssignInput{
		UserID:    userID,
		Scope:     scope,
		Type:      lbac.AssignmentType(*typ),
		StartDate: startDate,
		EndDate:   endDate,
		ActorID:   actorID,
		Reason:    *reason,
	})
	if err != nil {
		return err
	}
	return printJSON(assignment)
}

func runDelegate(ctx context.Context, pool *pgxpool.Pool, args []string) error {
	fs := flag.NewFlagSet("delegate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var (
		from        = fs.String("from", "", "usuário delegante")
		to          = fs.String("to", "", "usuário delegado")
		permissions = fs.String("permissions", "", "permissões separadas por vírgula")
		level       = fs.String("level", "", "nível do escopo delegado")
		node        = fs.String("node", "", "nó geográfico delegado")
		start       = fs.String("start", "", "início (YYYY-MM-DD, padrão agora)")
		end         = fs.String("end", "", "fim (YYYY-MM-DD)")
		maxUses     = fs.Int("max-uses", 0, "limite de usos (0 = ilimitado)")
		reason      = fs.String("reason", "", "motivo")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	fromID, err := uuid.Parse(*from)
	if err != nil {
		return fmt.Errorf("from inválido: %w", err)
	}
	toID, err := uuid.Parse(*to)
	if err != nil {
		return fmt.Errorf("to inválido: %w", err)
	}
	scope, err := parseScope(*level, *node)
	if err != nil {
		return err
	}
	endDate, err := parseDate(*end)
	if err != nil {
		return err
	}
	if endDate == nil {
		return errors.New("end é obrigatório")
	}
	startDate := time.Now().UTC()
	if parsed, err := parseDate(*start); err != nil {
		return err
	} else if parsed != nil {
		startDate = *parsed
	}

	var perms []string
	for _, p := range strings.Split(*permissions, ",") {
		if p = strings.TrimSpace(p); p != "" {
			perms = append(perms, p)
		}
	}
	var limit *int
	if *maxUses > 0 {
		limit = maxUses
	}

	service, cleanup, err := lbacService(ctx, pool)
	if err != nil {
		return err
	}
	defer cleanup()
	delegation, err := service.Delegate(ctx, lbac.DelegateInput{
		FromUserID:    fromID,
		ToUserID:      toID,
		Permissions:   perms,
		Scope:         scope,
		StartDate:     startDate,
		EndDate:       *endDate,
		MaxUsageCount: limit,
		Reason:        *reason,
	})
	if err != nil {
		return err
	}
	return printJSON(delegation)
}

func runRevokeDelegation(ctx context.Context, pool *pgxpool.Pool, args []string) error {
	fs := flag.NewFlagSet("revoke-delegation", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	id := fs.String("id", "", "delegação a revogar")
	if err := fs.Parse(args); err != nil {
		return err
	}
	delegationID, err := uuid.Parse(*id)
	if err != nil {
		return fmt.Errorf("id inválido: %w", err)
	}
	service, cleanup, err := lbacService(ctx, pool)
	if err != nil {
		return err
	}
	defer cleanup()
	delegation, err := service.RevokeDelegation(ctx, delegationID)
	if err != nil {
		return err
	}
	return printJSON(delegation)
}

// runGC executa uma varredura de lápides com a mesma configuração da API.
func runGC(ctx context.Context, pool *pgxpool.Pool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	var uploader storage.Uploader = storage.NoopUploader{}
	if cfg.Archive.Enabled() {
		s3, err := storage.NewS3Uploader(ctx, storage.S3Config{
			Endpoint:  cfg.Archive.Endpoint,
			Region:    cfg.Archive.Region,
			Bucket:    cfg.Archive.Bucket,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			PathStyle: cfg.Archive.PathStyle,
		})
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		uploader = s3
	}

	devices := device.NewService(device.NewRepository(pool), device.Options{
		SingleActive:  cfg.Device.SingleActive,
		CredentialTTL: cfg.Device.CredentialTTL,
	})
	service := tombstone.NewService(
		tombstone.NewRepository(pool),
		devices,
		session.NewCursors(session.NewCursorRepository(pool)),
		storage.NewArchive(uploader, cfg.Archive.Prefix, nil),
		tombstone.Options{
			MaxPropagationAttempts: cfg.Tombstone.MaxPropagationAttempts,
			Retention:              cfg.Tombstone.Retention,
		},
	)

	result, err := service.Sweep(ctx)
	if err != nil {
		return err
	}
	escalations, err := service.Escalations(ctx)
	if err != nil {
		return err
	}
	log.Info().
		Int("propagated", result.Propagated).
		Int("collected", result.Collected).
		Str("archive_key", result.ArchiveKey).
		Int("pending_escalations", len(escalations)).
		Msg("varredura de lápides concluída")
	return nil
}
