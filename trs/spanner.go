// Copyright 2024 The go-spanner-mutex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package trs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	// EmulatorEnvVar, set to EmulatorEnvVarValue, switches client
	// construction into emulator mode: anonymous credentials and a fixed
	// placeholder project (spec §6, mirrors gcp/spanner.py's
	// SPANNER_USE_EMULATOR_ENV_VAR/_VALUE).
	EmulatorEnvVar = "SPANNER_USE_EMULATOR"
	// EmulatorEnvVarValue is the literal string that enables emulator mode.
	EmulatorEnvVarValue = "YES"
	// EmulatorHostEnvVar overrides the emulator's host:port.
	EmulatorHostEnvVar = "SPANNER_EMULATOR_HOST"
	// defaultEmulatorHost is used when EmulatorHostEnvVar is unset.
	defaultEmulatorHost = "0.0.0.0:9010"
	// emulatorProjectID is the fixed placeholder project used against the
	// emulator, which does not validate projects.
	emulatorProjectID = "spanner_emulator"

	// clientCacheTTL amortizes client setup cost across repeated binds to
	// the same (instance, database, project) triple (spec §5, mirrors
	// spanner_mutex.py's @cachetools.cached TTLCache on _spanner_db).
	clientCacheTTL = 30 * time.Minute

	columnUUID                    = "uuid"
	columnDisplayName             = "display_name"
	columnStatus                  = "status"
	columnUpdateTimeUTC           = "update_time_utc"
	columnUpdateClientUUID        = "update_client_uuid"
	columnUpdateClientDisplayName = "update_client_display_name"
)

var mutexColumns = []string{
	columnUUID,
	columnDisplayName,
	columnStatus,
	columnUpdateTimeUTC,
	columnUpdateClientUUID,
	columnUpdateClientDisplayName,
}

// SpannerAdapterFactory builds Adapters bound to specific Spanner
// coordinates, caching the underlying *spanner.Client so repeated Connect
// calls for the same (instance, database, project) triple are cheap (spec
// §5's "TRS client connection may be cached ... with a bounded TTL").
// Construction, authentication, and emulator wiring are the "external
// collaborator" spec §1 puts out of scope for the core protocol; this file
// keeps that surface minimal and delegates everything else to the spanner
// package's own client.
type SpannerAdapterFactory struct {
	logger *slog.Logger
	clock  clockwork.Clock

	cacheMu sync.Mutex
	cache   map[clientCacheKey]*cachedClient
}

type clientCacheKey struct {
	instanceID string
	databaseID string
	projectID  string
}

type cachedClient struct {
	client    *spanner.Client
	expiresAt time.Time
}

// NewSpannerAdapterFactory builds a SpannerAdapterFactory. logger defaults
// to slog.Default() when nil; clock defaults to clockwork.NewRealClock()
// when nil (tests inject clockwork.NewFakeClock() to control cache eviction
// deterministically).
func NewSpannerAdapterFactory(logger *slog.Logger, clock clockwork.Clock) *SpannerAdapterFactory {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SpannerAdapterFactory{
		logger: logger.With("component", "spanner-mutex-trs"),
		clock:  clock,
		cache:  make(map[clientCacheKey]*cachedClient),
	}
}

// Connect binds the factory to one (instanceID, databaseID, projectID)
// triple and returns an Adapter backed by the shared client cache. This
// mirrors spanner_mutex.py's pattern of deriving the database handle from
// MutexConfig on every call, memoized by the module-level TTL cache.
func (f *SpannerAdapterFactory) Connect(ctx context.Context, instanceID, databaseID, projectID string) (Adapter, error) {
	client, err := f.client(ctx, instanceID, databaseID, projectID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &spannerAdapter{db: client}, nil
}

func (f *SpannerAdapterFactory) client(ctx context.Context, instanceID, databaseID, projectID string) (*spanner.Client, error) {
	key := clientCacheKey{instanceID: instanceID, databaseID: databaseID, projectID: projectID}

	f.cacheMu.Lock()
	if cached, ok := f.cache[key]; ok && f.clock.Now().Before(cached.expiresAt) {
		client := cached.client
		f.cacheMu.Unlock()
		return client, nil
	}
	f.cacheMu.Unlock()

	client, err := f.newClient(ctx, instanceID, databaseID, projectID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	f.cacheMu.Lock()
	f.cache[key] = &cachedClient{client: client, expiresAt: f.clock.Now().Add(clientCacheTTL)}
	f.cacheMu.Unlock()

	return client, nil
}

func (f *SpannerAdapterFactory) newClient(ctx context.Context, instanceID, databaseID, projectID string) (*spanner.Client, error) {
	if instanceID == "" || databaseID == "" {
		return nil, trace.BadParameter("instanceID and databaseID are required")
	}

	opts, project, err := f.clientOptions(projectID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instanceID, databaseID)
	f.logger.DebugContext(ctx, "creating spanner client", "database", dbPath, "emulator", useEmulator())

	client, err := spanner.NewClient(ctx, dbPath, opts...)
	if err != nil {
		return nil, wrapSpannerError(err, fmt.Sprintf("spanner database %q", dbPath))
	}
	return client, nil
}

// wrapSpannerError distinguishes "the instance/database/table does not
// exist" from any other infrastructure failure, matching the TRSError
// taxonomy: a codes.NotFound from the underlying Spanner client becomes
// trace.NotFound (so callers can use trace.IsNotFound), everything else
// becomes a bare trace.Wrap.
func wrapSpannerError(err error, resource string) error {
	if spanner.ErrCode(err) == codes.NotFound {
		return trace.NotFound("%s not found", resource)
	}
	return trace.Wrap(err, "%s is not reachable", resource)
}

// clientOptions returns the dial options and the effective project ID,
// switching to anonymous/insecure emulator options when useEmulator() is
// true (spec §6). This is the Go analogue of gcp/spanner.py's
// _use_emulator_client/_emulator_client split.
func (f *SpannerAdapterFactory) clientOptions(projectID string) ([]option.ClientOption, string, error) {
	if useEmulator() {
		host := os.Getenv(EmulatorHostEnvVar)
		if host == "" {
			host = defaultEmulatorHost
		}
		return []option.ClientOption{
			option.WithEndpoint(host),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		}, emulatorProjectID, nil
	}
	if projectID == "" {
		return nil, "", trace.BadParameter("projectID is required when not using the emulator")
	}
	return nil, projectID, nil
}

func useEmulator() bool {
	return os.Getenv(EmulatorEnvVar) == EmulatorEnvVarValue
}

// spannerAdapter is the Adapter bound to one database handle.
type spannerAdapter struct {
	db *spanner.Client
}

func (a *spannerAdapter) ReadRow(ctx context.Context, table string, key uuid.UUID) (*Row, error) {
	row, err := a.db.Single().ReadRow(ctx, table, spanner.Key{key.String()}, mutexColumns)
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return nil, nil
		}
		return nil, trace.Wrap(err, "reading row %q from table %q", key, table)
	}
	return decodeRow(row)
}

func (a *spannerAdapter) ConditionalUpsert(ctx context.Context, table string, candidate Row, canUpsert CanUpsertFunc) (bool, error) {
	var committed bool
	_, err := a.db.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		committed = false
		current, err := readRowInTxn(ctx, txn, table, candidate.UUID)
		if err != nil {
			return trace.Wrap(err)
		}
		if !canUpsert(current, candidate) {
			return nil
		}
		mutation, err := spanner.InsertOrUpdateMap(table, map[string]any{
			columnUUID:                    candidate.UUID.String(),
			columnDisplayName:             candidate.DisplayName,
			columnStatus:                  candidate.Status,
			columnUpdateTimeUTC:           spanner.CommitTimestamp,
			columnUpdateClientUUID:        candidate.UpdateClientUUID.String(),
			columnUpdateClientDisplayName: candidate.UpdateClientDisplayName,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		if err := txn.BufferWrite([]*spanner.Mutation{mutation}); err != nil {
			return trace.Wrap(err)
		}
		committed = true
		return nil
	})
	if err != nil {
		return false, trace.Wrap(err, "conditional upsert on table %q for key %q", table, candidate.UUID)
	}
	return committed, nil
}

func (a *spannerAdapter) Validate(ctx context.Context, table string) error {
	rowIter := a.db.Single().Read(ctx, table, spanner.AllKeys(), mutexColumns)
	defer rowIter.Stop()
	_, err := rowIter.Next()
	if err != nil && err != iterator.Done {
		return wrapSpannerError(err, fmt.Sprintf("table %q", table))
	}
	return nil
}

func readRowInTxn(ctx context.Context, txn *spanner.ReadWriteTransaction, table string, key uuid.UUID) (*Row, error) {
	row, err := txn.ReadRow(ctx, table, spanner.Key{key.String()}, mutexColumns)
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return nil, nil
		}
		return nil, trace.Wrap(err)
	}
	return decodeRow(row)
}

func decodeRow(row *spanner.Row) (*Row, error) {
	var (
		rawUUID, rawClientUUID string
		result                 Row
	)
	if err := row.Columns(
		&rawUUID,
		&result.DisplayName,
		&result.Status,
		&result.UpdateTimeUTC,
		&rawClientUUID,
		&result.UpdateClientDisplayName,
	); err != nil {
		return nil, trace.Wrap(err, "decoding mutex row")
	}
	id, err := uuid.Parse(rawUUID)
	if err != nil {
		return nil, trace.Wrap(err, "parsing uuid column %q", rawUUID)
	}
	clientID, err := uuid.Parse(rawClientUUID)
	if err != nil {
		return nil, trace.Wrap(err, "parsing update_client_uuid column %q", rawClientUUID)
	}
	result.UUID = id
	result.UpdateClientUUID = clientID
	result.UpdateTimeUTC = result.UpdateTimeUTC.UTC()
	return &result, nil
}
