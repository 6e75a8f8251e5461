package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Provisioner captures the daemon's runtime configuration. Everything
// comes from the environment so main stays lean.
type Provisioner struct {
	// Mail domain for provisioned addresses, e.g. zsel.opole.pl.
	Domain string
	// Watched organizational units, e.g. ou=uczniowie.
	WatchOUs []string
	// PollInterval is the fixed inter-cycle sleep.
	PollInterval time.Duration
	// Retention is how long archived mailboxes are kept before
	// deletion becomes legal.
	Retention time.Duration
	// OperationTimeout bounds one identity's processing.
	OperationTimeout time.Duration
	// MaxInFlight bounds concurrent per-identity workers in a cycle.
	MaxInFlight int

	// Quota overrides in bytes; zero means the built-in default.
	QuotaStudent    int64
	QuotaTeacher    int64
	QuotaStaff      int64
	QuotaLeadership int64

	LDAPURL          string
	LDAPBaseDN       string
	LDAPBindDN       string
	LDAPBindPassword string

	// DatabaseDSN selects the PostgreSQL journal; empty falls back to
	// the in-memory journal (development only).
	DatabaseDSN string

	// KafkaBrokers enables the audit publisher when non-empty.
	KafkaBrokers    []string
	KafkaAuditTopic string

	// OpsAddr serves /healthz and /metrics.
	OpsAddr string

	ArchiveBase string
}

// FromEnv builds the configuration from environment variables.
func FromEnv() Provisioner {
	cfg := Provisioner{
		Domain:           envString("MAILPROV_DOMAIN", "zsel.opole.pl"),
		WatchOUs:         envList("MAILPROV_WATCH_OUS", "ou=uczniowie,ou=nauczyciele,ou=administracja"),
		PollInterval:     envDuration("MAILPROV_POLL_INTERVAL", 60*time.Second),
		Retention:        envDuration("MAILPROV_RETENTION", 180*24*time.Hour),
		OperationTimeout: envDuration("MAILPROV_OP_TIMEOUT", 10*time.Second),
		MaxInFlight:      envInt("MAILPROV_MAX_IN_FLIGHT", 8),

		QuotaStudent:    envBytes("MAILPROV_QUOTA_STUDENT"),
		QuotaTeacher:    envBytes("MAILPROV_QUOTA_TEACHER"),
		QuotaStaff:      envBytes("MAILPROV_QUOTA_STAFF"),
		QuotaLeadership: envBytes("MAILPROV_QUOTA_LEADERSHIP"),

		LDAPURL:          envString("MAILPROV_LDAP_URL", "ldaps://ipa1.zsel.opole.pl"),
		LDAPBaseDN:       envString("MAILPROV_LDAP_BASE_DN", "dc=zsel,dc=opole,dc=pl"),
		LDAPBindDN:       envString("MAILPROV_LDAP_BIND_DN", "uid=mail-provisioner,cn=sysaccounts,cn=etc,dc=zsel,dc=opole,dc=pl"),
		LDAPBindPassword: os.Getenv("MAILPROV_LDAP_BIND_PASSWORD"),

		DatabaseDSN: os.Getenv("MAILPROV_DATABASE_DSN"),

		KafkaBrokers:    envList("MAILPROV_KAFKA_BROKERS", ""),
		KafkaAuditTopic: envString("MAILPROV_KAFKA_AUDIT_TOPIC", "mailprov.audit"),

		OpsAddr:     envString("MAILPROV_OPS_ADDR", ":9090"),
		ArchiveBase: envString("MAILPROV_ARCHIVE_BASE", "/archive/mail"),
	}
	return cfg
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envList(key, fallback string) []string {
	raw := envString(key, fallback)
	if raw == "" {
		return nil
	}
	var out []string
	for part := range strings.SplitSeq(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envBytes(key string) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return 0
}
