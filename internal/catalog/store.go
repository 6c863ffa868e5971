package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/viper"

	"github.com/rpattn/imgexplorer/internal/domain"
)

// Querier is the subset of pgx shared by pools and transactions.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// LoadSnapshot reads the catalog tables. The app passes a read-only
// transaction so every table is read from one view.
func LoadSnapshot(ctx context.Context, q Querier) (Snapshot, error) {
	var snap Snapshot
	var err error

	if snap.Versions, err = collect(ctx, q,
		`SELECT id, name, version, active FROM data_version ORDER BY id`,
		func(row pgx.CollectableRow) (domain.DataVersion, error) {
			var v domain.DataVersion
			err := row.Scan(&v.ID, &v.Name, &v.Version, &v.Active)
			return v, err
		}); err != nil {
		return Snapshot{}, fmt.Errorf("load data versions: %w", err)
	}

	if snap.DataSets, err = collect(ctx, q,
		`SELECT id, name, data_type, set_type FROM data_set_type ORDER BY id`,
		func(row pgx.CollectableRow) (domain.DataSetType, error) {
			var ds domain.DataSetType
			var kind, set string
			err := row.Scan(&ds.ID, &ds.Name, &kind, &set)
			ds.DataType, ds.SetType = domain.DataKind(kind), domain.SetType(set)
			return ds, err
		}); err != nil {
		return Snapshot{}, fmt.Errorf("load data set types: %w", err)
	}

	if snap.Sources, err = collect(ctx, q, `
		SELECT ds.id, ds.name, ds.source_type, ds.count_col, ds.aggregate_level,
		       COALESCE(ARRAY(SELECT data_set_type_id FROM data_source_data_set WHERE data_source_id = ds.id ORDER BY 1), '{}'),
		       COALESCE(ARRAY(SELECT data_version_id FROM data_source_version WHERE data_source_id = ds.id ORDER BY 1), '{}')
		FROM data_source ds ORDER BY ds.id`,
		func(row pgx.CollectableRow) (domain.DataSource, error) {
			var src domain.DataSource
			var sourceType string
			var sets, versions []int32
			err := row.Scan(&src.ID, &src.Name, &sourceType, &src.CountCol, &src.AggregateLevel, &sets, &versions)
			src.SourceType = domain.SourceType(sourceType)
			src.DataSets = toInts(sets)
			src.Versions = toInts(versions)
			return src, err
		}); err != nil {
		return Snapshot{}, fmt.Errorf("load data sources: %w", err)
	}

	if snap.Attributes, err = collect(ctx, q, `
		SELECT a.id, a.name, a.display_name, a.description, a.data_type, a.default_ui_display,
		       a.preformatted_values, a.units, a.active,
		       COALESCE(ARRAY(SELECT data_source_id FROM attribute_data_source WHERE attribute_id = a.id ORDER BY 1), '{}')
		FROM attribute a ORDER BY a.id`,
		func(row pgx.CollectableRow) (domain.Attribute, error) {
			var attr domain.Attribute
			var dataType string
			var sources []int32
			err := row.Scan(&attr.ID, &attr.Name, &attr.DisplayName, &attr.Description, &dataType,
				&attr.DefaultUIDisplay, &attr.PreformattedValues, &attr.Units, &attr.Active, &sources)
			attr.DataType = domain.DataType(dataType)
			attr.Sources = toInts(sources)
			return attr, err
		}); err != nil {
		return Snapshot{}, fmt.Errorf("load attributes: %w", err)
	}

	type rangeRow struct {
		attrID int
		r      domain.AttributeRange
	}
	ranges, err := collect(ctx, q, `
		SELECT id, attribute_id, first, last, gap, type, include_lower, include_upper, unbounded, label
		FROM attribute_range ORDER BY attribute_id, id`,
		func(row pgx.CollectableRow) (rangeRow, error) {
			var rr rangeRow
			var rangeType string
			err := row.Scan(&rr.r.ID, &rr.attrID, &rr.r.First, &rr.r.Last, &rr.r.Gap, &rangeType,
				&rr.r.IncludeLower, &rr.r.IncludeUpper, &rr.r.Unbounded, &rr.r.Label)
			rr.r.Type = domain.RangeType(rangeType)
			return rr, err
		})
	if err != nil {
		return Snapshot{}, fmt.Errorf("load attribute ranges: %w", err)
	}
	byAttr := make(map[int][]domain.AttributeRange)
	for _, rr := range ranges {
		byAttr[rr.attrID] = append(byAttr[rr.attrID], rr.r)
	}
	for i := range snap.Attributes {
		snap.Attributes[i].Ranges = byAttr[snap.Attributes[i].ID]
	}

	if snap.Joins, err = collect(ctx, q,
		`SELECT from_src, from_src_col, to_src, to_src_col FROM data_source_join ORDER BY id`,
		func(row pgx.CollectableRow) (domain.DataSourceJoin, error) {
			var j domain.DataSourceJoin
			err := row.Scan(&j.FromSrc, &j.FromCol, &j.ToSrc, &j.ToCol)
			return j, err
		}); err != nil {
		return Snapshot{}, fmt.Errorf("load data source joins: %w", err)
	}

	if snap.DisplayValues, err = collect(ctx, q,
		`SELECT attribute_id, raw_value, display_value FROM attribute_display_value ORDER BY attribute_id, raw_value`,
		func(row pgx.CollectableRow) (domain.DisplayValue, error) {
			var dv domain.DisplayValue
			err := row.Scan(&dv.AttributeID, &dv.RawValue, &dv.Display)
			return dv, err
		}); err != nil {
		return Snapshot{}, fmt.Errorf("load display values: %w", err)
	}

	return snap, nil
}

// LoadSnapshotFile reads a YAML (or JSON/TOML) catalog snapshot.
func LoadSnapshotFile(path string) (Snapshot, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Snapshot{}, fmt.Errorf("read catalog file %s: %w", path, err)
	}
	var snap Snapshot
	if err := v.Unmarshal(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode catalog file %s: %w", path, err)
	}
	return snap, nil
}

func collect[T any](ctx context.Context, q Querier, sql string, fn pgx.RowToFunc[T]) ([]T, error) {
	rows, err := q.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, fn)
}

func toInts(values []int32) []int {
	out := make([]int, len(values))
	for i, v := range values {
		out[i] = int(v)
	}
	return out
}
