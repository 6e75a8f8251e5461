package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mailprov/internal/audit"
	"mailprov/internal/directory"
	"mailprov/internal/journal"
	"mailprov/internal/mailbox"
	"mailprov/internal/ops"
	"mailprov/internal/platform/config"
	"mailprov/internal/platform/httpserver"
	"mailprov/internal/platform/logger"
	"mailprov/internal/provision"
	"mailprov/internal/provision/metrics"
)

// main wires the collaborators and keeps the process lifecycle small.
// Reconciliation logic lives in internal/provision.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir := directory.New(directory.Config{
		URL:          cfg.LDAPURL,
		BaseDN:       cfg.LDAPBaseDN,
		BindDN:       cfg.LDAPBindDN,
		BindPassword: cfg.LDAPBindPassword,
		WatchOUs:     cfg.WatchOUs,
	}, log)
	defer dir.Close()

	var jrnl provision.Journal
	if cfg.DatabaseDSN != "" {
		store, err := journal.OpenPostgres(ctx, cfg.DatabaseDSN)
		if err != nil {
			log.Error("journal unavailable", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		jrnl = store
	} else {
		log.Warn("no database DSN configured, using in-memory journal; provisioning state will not survive restarts")
		jrnl = journal.NewMemoryStore()
	}

	opts := []provision.Option{
		provision.WithLogger(log),
		provision.WithMetrics(metrics.New()),
		provision.WithInterval(cfg.PollInterval),
		provision.WithOperationTimeout(cfg.OperationTimeout),
		provision.WithMaxInFlight(cfg.MaxInFlight),
	}

	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := audit.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaAuditTopic)
		if err != nil {
			log.Error("audit publisher unavailable", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		opts = append(opts, provision.WithAuditPublisher(publisher))
	}

	quotas := provision.DefaultQuotas()
	for role, override := range map[provision.Role]int64{
		provision.RoleStudent:    cfg.QuotaStudent,
		provision.RoleTeacher:    cfg.QuotaTeacher,
		provision.RoleStaff:      cfg.QuotaStaff,
		provision.RoleLeadership: cfg.QuotaLeadership,
	} {
		if override > 0 {
			quotas[role] = override
		}
	}

	policy := &provision.Policy{Domain: cfg.Domain, Retention: cfg.Retention}
	backend := mailbox.NewDovecot(log, cfg.ArchiveBase)

	reconciler, err := provision.New(dir, backend, jrnl, policy, quotas, opts...)
	if err != nil {
		log.Error("reconciler setup failed", "error", err)
		os.Exit(1)
	}

	opsSrv := httpserver.New(cfg.OpsAddr, ops.NewRouter())
	go func() {
		if err := opsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ops server error", "error", err)
		}
	}()

	log.Info("starting mail provisioner",
		"domain", cfg.Domain,
		"watch_ous", cfg.WatchOUs,
		"poll_interval", cfg.PollInterval,
		"retention", cfg.Retention,
		"ops_addr", cfg.OpsAddr,
	)

	if err := reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("reconciler stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("ops server shutdown failed", "error", err)
	}
	log.Info("mail provisioner stopped")
}
