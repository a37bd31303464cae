/*
Copyright 2015 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cbt

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/iam"
	"cloud.google.com/go/longrunning"
	lroauto "cloud.google.com/go/longrunning/autogen"
	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"
	btapb "google.golang.org/genproto/googleapis/bigtable/admin/v2"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
)

// adminAddr is the endpoint for the admin plane: a distinct service from
// the data plane reached through Client, so AdminClient keeps its own
// connection pool.
const adminAddr = "wcdb-admin.googleapis.com:443"

// AdminClient is a client type for performing administrative operations
// within a specific instance: creating and configuring tables and their
// column families, and managing snapshots.
type AdminClient struct {
	pool     *connPool
	client   btapb.BigtableTableAdminClient
	lro      *lroauto.OperationsClient
	project  string
	instance string

	retryPolicy   RetryPolicy
	backoffPolicy BackoffPolicy
	logger        logr.Logger
	tracer        trace.Tracer
}

// NewAdminClient creates a new AdminClient for a given project and instance.
func NewAdminClient(ctx context.Context, project, instance string, opts ...option.ClientOption) (*AdminClient, error) {
	pool := newConnPool(adminAddr, 1, opts...)
	conn, err := pool.conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("dialing: %w", err)
	}
	lro, err := lroauto.NewOperationsClient(ctx, option.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("dialing long-running operations client: %w", err)
	}
	return &AdminClient{
		pool:          pool,
		client:        btapb.NewBigtableTableAdminClient(conn),
		lro:           lro,
		project:       project,
		instance:      instance,
		retryPolicy:   defaultRetryPolicy(),
		backoffPolicy: defaultBackoffPolicy(),
		logger:        logr.Discard(),
		tracer:        otel.GetTracerProvider().Tracer(tracerName),
	}, nil
}

// Close closes the AdminClient.
func (ac *AdminClient) Close() error { return ac.pool.close() }

func (ac *AdminClient) instanceName() string {
	return fmt.Sprintf("projects/%s/instances/%s", ac.project, ac.instance)
}

func (ac *AdminClient) tableName(table string) string {
	return fmt.Sprintf("%s/tables/%s", ac.instanceName(), table)
}

// TableConf holds the configuration for a call to CreateTableFromConf.
type TableConf struct {
	TableID   string
	SplitKeys []string
	Families  map[string]GCPolicy
}

// CreateTable creates a new table with the given name.
func (ac *AdminClient) CreateTable(ctx context.Context, table string) error {
	return ac.CreateTableFromConf(ctx, &TableConf{TableID: table})
}

// CreateTableFromConf creates a new table from the given configuration.
func (ac *AdminClient) CreateTableFromConf(ctx context.Context, conf *TableConf) error {
	ctx, span := ac.tracer.Start(ctx, "cbt.CreateTable")
	defer span.End()

	var req btapb.CreateTableRequest
	req.Parent = ac.instanceName()
	req.TableId = conf.TableID
	if len(conf.Families) > 0 {
		tbl := &btapb.Table{ColumnFamilies: make(map[string]*btapb.ColumnFamily)}
		for name, policy := range conf.Families {
			tbl.ColumnFamilies[name] = &btapb.ColumnFamily{GcRule: policy.proto()}
		}
		req.Table = tbl
	}
	for _, split := range conf.SplitKeys {
		req.InitialSplits = append(req.InitialSplits, &btapb.CreateTableRequest_Split{Key: []byte(split)})
	}

	return callNoRetry(ctx, nil, func(ctx context.Context) error {
		_, err := ac.client.CreateTable(ctx, &req)
		return err
	})
}

// DeleteTable deletes a table and all of its data.
func (ac *AdminClient) DeleteTable(ctx context.Context, table string) error {
	ctx, span := ac.tracer.Start(ctx, "cbt.DeleteTable")
	defer span.End()

	req := &btapb.DeleteTableRequest{Name: ac.tableName(table)}
	return callNoRetry(ctx, nil, func(ctx context.Context) error {
		_, err := ac.client.DeleteTable(ctx, req)
		return err
	})
}

// Tables returns the names of all tables in the instance.
func (ac *AdminClient) Tables(ctx context.Context) ([]string, error) {
	ctx, span := ac.tracer.Start(ctx, "cbt.Tables")
	defer span.End()

	var names []string
	req := &btapb.ListTablesRequest{Parent: ac.instanceName()}
	err := paginate(ctx, ac.retryPolicy.Clone(), ac.backoffPolicy.Clone(), nil, ac.logger, "Tables",
		func(ctx context.Context, pageToken string) (string, error) {
			req.PageToken = pageToken
			res, err := ac.client.ListTables(ctx, req)
			if err != nil {
				return "", err
			}
			for _, t := range res.Tables {
				names = append(names, t.Name[len(ac.instanceName())+len("/tables/"):])
			}
			return res.NextPageToken, nil
		})
	return names, err
}

// FamilyInfo represents information about a column family.
type FamilyInfo struct {
	Name   string
	GCRule *btapb.GcRule
}

// TableInfo represents information about a table.
type TableInfo struct {
	Families    []string
	FamilyInfos []FamilyInfo
}

// TableInfo retrieves information about a table.
func (ac *AdminClient) TableInfo(ctx context.Context, table string) (*TableInfo, error) {
	ctx, span := ac.tracer.Start(ctx, "cbt.TableInfo")
	defer span.End()

	req := &btapb.GetTableRequest{Name: ac.tableName(table)}
	var res *btapb.Table
	err := callOwningAdmin(ctx, ac, nil, "TableInfo", func(ctx context.Context) error {
		var err error
		res, err = ac.client.GetTable(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	ti := &TableInfo{}
	for name, fam := range res.ColumnFamilies {
		ti.Families = append(ti.Families, name)
		ti.FamilyInfos = append(ti.FamilyInfos, FamilyInfo{Name: name, GCRule: fam.GcRule})
	}
	return ti, nil
}

// CreateColumnFamily creates a new column family in a table.
func (ac *AdminClient) CreateColumnFamily(ctx context.Context, table, family string) error {
	mod := &btapb.ModifyColumnFamiliesRequest_Modification{
		Id:  family,
		Mod: &btapb.ModifyColumnFamiliesRequest_Modification_Create{Create: &btapb.ColumnFamily{}},
	}
	return ac.modifyColumnFamilies(ctx, table, mod)
}

// DeleteColumnFamily deletes a column family in a table and all the data
// in it.
func (ac *AdminClient) DeleteColumnFamily(ctx context.Context, table, family string) error {
	mod := &btapb.ModifyColumnFamiliesRequest_Modification{
		Id:  family,
		Mod: &btapb.ModifyColumnFamiliesRequest_Modification_Drop{Drop: true},
	}
	return ac.modifyColumnFamilies(ctx, table, mod)
}

// SetGCPolicy sets the GC policy for a column family.
func (ac *AdminClient) SetGCPolicy(ctx context.Context, table, family string, policy GCPolicy) error {
	mod := &btapb.ModifyColumnFamiliesRequest_Modification{
		Id:  family,
		Mod: &btapb.ModifyColumnFamiliesRequest_Modification_Update{Update: &btapb.ColumnFamily{GcRule: policy.proto()}},
	}
	return ac.modifyColumnFamilies(ctx, table, mod)
}

func (ac *AdminClient) modifyColumnFamilies(ctx context.Context, table string, mods ...*btapb.ModifyColumnFamiliesRequest_Modification) error {
	ctx, span := ac.tracer.Start(ctx, "cbt.ModifyColumnFamily")
	defer span.End()

	req := &btapb.ModifyColumnFamiliesRequest{
		Name:          ac.tableName(table),
		Modifications: mods,
	}
	return callNoRetry(ctx, nil, func(ctx context.Context) error {
		_, err := ac.client.ModifyColumnFamilies(ctx, req)
		return err
	})
}

// DropRowRange permanently deletes rows starting with a given row key
// prefix.
func (ac *AdminClient) DropRowRange(ctx context.Context, table, rowKeyPrefix string) error {
	ctx, span := ac.tracer.Start(ctx, "cbt.DropRowRange")
	defer span.End()

	req := &btapb.DropRowRangeRequest{
		Name:   ac.tableName(table),
		Target: &btapb.DropRowRangeRequest_RowKeyPrefix{RowKeyPrefix: []byte(rowKeyPrefix)},
	}
	return callNoRetry(ctx, nil, func(ctx context.Context) error {
		_, err := ac.client.DropRowRange(ctx, req)
		return err
	})
}

// callOwningAdmin is callOwning's counterpart for AdminClient, which keeps
// its own retry/backoff defaults separate from the data-plane Client.
func callOwningAdmin(ctx context.Context, ac *AdminClient, md MetadataUpdatePolicy, opName string, attempt unaryAttempt) error {
	return runUnary(ctx, ac.retryPolicy.Clone(), ac.backoffPolicy.Clone(), md, ac.logger, opName, attempt)
}

// GCPolicy describes an age, version or combinatorial rule for removing
// data in a column family.
type GCPolicy interface {
	proto() *btapb.GcRule
}

// IntersectionPolicy returns a GCPolicy that only applies when all its
// sub-policies would apply.
func IntersectionPolicy(sub ...GCPolicy) GCPolicy { return intersectionPolicy{sub} }

type intersectionPolicy struct{ sub []GCPolicy }

func (i intersectionPolicy) proto() *btapb.GcRule {
	inter := &btapb.GcRule_Intersection{}
	for _, sp := range i.sub {
		inter.Rules = append(inter.Rules, sp.proto())
	}
	return &btapb.GcRule{Rule: &btapb.GcRule_Intersection_{Intersection: inter}}
}

// UnionPolicy returns a GCPolicy that applies when any of its sub-policies
// would apply.
func UnionPolicy(sub ...GCPolicy) GCPolicy { return unionPolicy{sub} }

type unionPolicy struct{ sub []GCPolicy }

func (u unionPolicy) proto() *btapb.GcRule {
	union := &btapb.GcRule_Union{}
	for _, sp := range u.sub {
		union.Rules = append(union.Rules, sp.proto())
	}
	return &btapb.GcRule{Rule: &btapb.GcRule_Union_{Union: union}}
}

// MaxVersionsPolicy returns a GCPolicy that applies to all versions of a
// cell except for the most recent n.
func MaxVersionsPolicy(n int) GCPolicy { return maxVersionsPolicy(n) }

type maxVersionsPolicy int

func (m maxVersionsPolicy) proto() *btapb.GcRule {
	return &btapb.GcRule{Rule: &btapb.GcRule_MaxNumVersions{MaxNumVersions: int32(m)}}
}

// MaxAgePolicy returns a GCPolicy that applies to all cells older than a
// configured duration.
func MaxAgePolicy(d time.Duration) GCPolicy { return maxAgePolicy(d) }

type maxAgePolicy time.Duration

func (m maxAgePolicy) proto() *btapb.GcRule {
	return &btapb.GcRule{Rule: &btapb.GcRule_MaxAge{MaxAge: durationpb.New(time.Duration(m))}}
}

// NoGcPolicy returns a GCPolicy that applies to no cells.
func NoGcPolicy() GCPolicy { return noGCPolicy{} }

type noGCPolicy struct{}

func (noGCPolicy) proto() *btapb.GcRule { return &btapb.GcRule{} }

// SnapshotOperation represents a long-running SnapshotTable or
// RestoreTableFromSnapshot operation.
type SnapshotOperation struct {
	lro *longrunning.Operation
}

func newOperation(raw *longrunningpb.Operation, c *lroauto.OperationsClient) *longrunning.Operation {
	return longrunning.InternalNewOperation(c, raw)
}

// SnapshotTable creates a snapshot of a table in the same cluster. This
// can be used as a consistent view of a table at a given point in time, or
// to restore data to a table that was accidentally modified.
func (ac *AdminClient) SnapshotTable(ctx context.Context, table, cluster, snapshot string, ttl time.Duration) (*SnapshotOperation, error) {
	ctx, span := ac.tracer.Start(ctx, "cbt.SnapshotTable")
	defer span.End()

	req := &btapb.SnapshotTableRequest{
		Name:       ac.tableName(table),
		Cluster:    fmt.Sprintf("%s/clusters/%s", ac.instanceName(), cluster),
		SnapshotId: snapshot,
		Ttl:        durationpb.New(ttl),
	}
	var op *longrunning.Operation
	err := callNoRetry(ctx, nil, func(ctx context.Context) error {
		raw, err := ac.client.SnapshotTable(ctx, req)
		if err != nil {
			return err
		}
		op = newOperation(raw, ac.lro)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &SnapshotOperation{lro: op}, nil
}

// Wait blocks until the snapshot operation completes and returns the
// resulting snapshot.
func (s *SnapshotOperation) Wait(ctx context.Context) (*btapb.Snapshot, error) {
	var snap btapb.Snapshot
	if err := s.lro.Wait(ctx, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Done reports whether the snapshot operation has completed.
func (s *SnapshotOperation) Done() bool { return s.lro.Done() }

// RestoreTableFromSnapshot creates a table from a snapshot previously
// taken with SnapshotTable, as a long-running operation.
func (ac *AdminClient) RestoreTableFromSnapshot(ctx context.Context, table, cluster, snapshot string) (*SnapshotOperation, error) {
	ctx, span := ac.tracer.Start(ctx, "cbt.RestoreTableFromSnapshot")
	defer span.End()

	req := &btapb.CreateTableFromSnapshotRequest{
		Parent:         ac.instanceName(),
		TableId:        table,
		SourceSnapshot: fmt.Sprintf("%s/clusters/%s/snapshots/%s", ac.instanceName(), cluster, snapshot),
	}
	var op *longrunning.Operation
	err := callNoRetry(ctx, nil, func(ctx context.Context) error {
		raw, err := ac.client.CreateTableFromSnapshot(ctx, req)
		if err != nil {
			return err
		}
		op = newOperation(raw, ac.lro)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &SnapshotOperation{lro: op}, nil
}

// IAM returns the table's IAM handle, for getting and setting the access
// control policy on this specific table.
func (t *Table) IAM() *iam.Handle {
	return iam.InternalNewHandle(t.c.conn, t.c.fullTableName(t.table))
}
