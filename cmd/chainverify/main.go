// chainverify re-walks an audit chain offline and reports every hash,
// linkage, or signature violation. It reads either a live database or
// an archived batch file written by the audit archiver.
package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aegisgov/substrate/pkg/audit"
	"github.com/aegisgov/substrate/pkg/signer"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	fs := flag.NewFlagSet("chainverify", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		dsn     = fs.String("db", "", "database DSN to read audit_events from")
		driver  = fs.String("driver", "postgres", "database driver: postgres or sqlite")
		archive = fs.String("archive", "", "archived batch file (jsonl.gz) to verify instead of a database")
		asJSON  = fs.Bool("json", false, "emit findings as JSON")
	)
	keys := signer.NewRegistry()
	keyCount := 0
	fs.Func("key", "signer key as kid=base64pub, repeatable", func(v string) error {
		kid, encoded, ok := strings.Cut(v, "=")
		if !ok || kid == "" {
			return fmt.Errorf("expected kid=base64pub, got %q", v)
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("key %s: %w", kid, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return fmt.Errorf("key %s: must be %d bytes, got %d", kid, ed25519.PublicKeySize, len(raw))
		}
		keys.RegisterWindow(kid, ed25519.PublicKey(raw), time.Time{}, time.Time{})
		keyCount++
		return nil
	})
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if (*dsn == "") == (*archive == "") {
		fmt.Fprintln(stderr, "exactly one of -db or -archive is required")
		fs.Usage()
		return 2
	}

	var (
		events []audit.Event
		err    error
	)
	if *archive != "" {
		events, err = loadArchive(*archive)
	} else {
		events, err = loadDatabase(context.Background(), *driver, *dsn)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if len(events) == 0 {
		fmt.Fprintln(stdout, "chain empty, nothing to verify")
		return 0
	}

	findings, err := audit.NewVerifier(keys).VerifyChain(events)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if keyCount == 0 {
		// Without keys every signature is unverifiable noise; keep the
		// hash and linkage results and say so.
		findings = dropSignatureFindings(findings)
		fmt.Fprintln(stderr, "warning: no -key given, signature checks skipped")
	}

	if len(findings) == 0 {
		fmt.Fprintf(stdout, "chain intact: %d events verified\n", len(events))
		return 0
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(findings)
	} else {
		for _, f := range findings {
			fmt.Fprintf(stdout, "position %d event %s: %s check failed: %s\n",
				f.Position, f.EventID, f.Check, f.Detail)
		}
	}
	first := findings[0]
	fmt.Fprintf(stderr, "chain broken: %d finding(s), earliest at position %d (%s)\n",
		len(findings), first.Position, first.Check)
	return 1
}

func dropSignatureFindings(in []audit.Finding) []audit.Finding {
	out := in[:0]
	for _, f := range in {
		if f.Check != audit.CheckSignature {
			out = append(out, f)
		}
	}
	return out
}

func loadArchive(path string) ([]audit.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	events, err := audit.DecodeBatch(data)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// loadDatabase reads the whole chain in commit order. The query carries
// no placeholders so it runs unchanged on Postgres and on sqlite
// snapshots of the same schema.
func loadDatabase(ctx context.Context, driver, dsn string) ([]audit.Event, error) {
	if driver != "postgres" && driver != "sqlite" {
		return nil, fmt.Errorf("unknown driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT event_id, event_type, actor, payload, prev_hash, hash, signature, signer_id, ts
		FROM audit_events ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query audit_events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			ev      audit.Event
			payload []byte
			prev    sql.NullString
			ts      interface{}
		)
		if err := rows.Scan(&ev.EventID, &ev.EventType, &ev.Actor, &payload,
			&prev, &ev.Hash, &ev.Signature, &ev.SignerKid, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("event %s: bad payload: %w", ev.EventID, err)
			}
		}
		if prev.Valid {
			ev.PrevHash = &prev.String
		}
		ev.Ts, err = coerceTime(ts)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", ev.EventID, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// coerceTime handles the drivers' timestamp representations: Postgres
// returns time.Time, sqlite returns the stored text.
func coerceTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseTs(t)
	case []byte:
		return parseTs(string(t))
	default:
		return time.Time{}, fmt.Errorf("unsupported ts type %T", v)
	}
}

func parseTs(s string) (time.Time, error) {
	for _, layout := range []string{audit.TsFormat, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("bad ts %q", s)
}
