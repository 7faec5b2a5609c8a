package geospatial

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
)

var errMaintenance = errors.New("maintenance failed")

func TestVacuumAnalyze_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	for _, table := range []string{`"transit"."stop_times"`, `"transit"."trips"`, `"transit"."stops"`,
		`"transit"."reference_areas"`, `"transit"."oev_stations"`, `"transit"."oev_zones"`} {
		mock.ExpectExec(regexp.QuoteMeta("VACUUM ANALYZE " + table)).WillReturnResult(pgxmock.NewResult("VACUUM", 0))
	}

	if err := VacuumAnalyze(context.Background(), mock); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestVacuumAnalyze_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	mock.ExpectExec("VACUUM ANALYZE").WillReturnError(errMaintenance)

	if err := VacuumAnalyze(context.Background(), mock); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestClusterSpatialIndexes_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	for _, si := range spatialIndexes {
		mock.ExpectExec(regexp.QuoteMeta(`USING "` + si.index + `"`)).WillReturnResult(pgxmock.NewResult("CLUSTER", 0))
	}

	if err := ClusterSpatialIndexes(context.Background(), mock); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestClusterSpatialIndexes_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta(`CLUSTER "transit"."stops"`)).WillReturnError(errMaintenance)

	if err := ClusterSpatialIndexes(context.Background(), mock); err == nil {
		t.Fatal("expected error")
	}
}

func TestGetTableStats_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	rows := pgxmock.NewRows([]string{
		"table_name", "row_count", "total_size", "index_size", "has_spatial",
	}).
		AddRow("transit.stop_times", int64(2400000), "310 MB", "120 MB", false).
		AddRow("transit.stops", int64(31000), "9 MB", "4 MB", true)

	mock.ExpectQuery("FROM pg_stat_user_tables").WillReturnRows(rows)

	stats, err := GetTableStats(context.Background(), mock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 stats, got %d", len(stats))
	}
	if stats[0].TableName != "transit.stop_times" {
		t.Errorf("expected transit.stop_times, got %s", stats[0].TableName)
	}
	if stats[0].HasSpatial {
		t.Error("stop_times has no spatial index")
	}
	if !stats[1].HasSpatial {
		t.Error("expected stops to report a spatial index")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetTableStats_ScanError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	rows := pgxmock.NewRows([]string{
		"table_name", "row_count", "total_size", "index_size", "has_spatial",
	}).AddRow("transit.stops", "not-an-int", "9 MB", "4 MB", true)

	mock.ExpectQuery("SELECT").WillReturnRows(rows)

	if _, err := GetTableStats(context.Background(), mock); err == nil {
		t.Fatal("expected scan error")
	}
}

func TestReindexSpatial(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	mock.ExpectExec("REINDEX SCHEMA transit").WillReturnResult(pgxmock.NewResult("REINDEX", 0))
	mock.ExpectExec("REINDEX SCHEMA transit").WillReturnError(errMaintenance)

	if err := ReindexSpatial(context.Background(), mock); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ReindexSpatial(context.Background(), mock); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
