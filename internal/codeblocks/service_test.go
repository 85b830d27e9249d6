package codeblocks

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, blocks ...CodeBlock) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "codeblocks.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&CodeBlock{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	for _, block := range blocks {
		if err := db.Create(&block).Error; err != nil {
			t.Fatalf("failed to insert block %s: %v", block.BlockID, err)
		}
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	service, err := NewService(ServiceConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func TestNewServiceRequiresDatabase(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %v", err)
	}
	if serviceErr.Code() != "codeblocks.service.new.missing_database" {
		t.Fatalf("unexpected error code %s", serviceErr.Code())
	}
}

func TestListBlocksReturnsProjection(t *testing.T) {
	service := newTestService(t,
		CodeBlock{BlockID: "b1", Title: "Async case", Code: "let x", CorrectCode: "let x = 1;"},
		CodeBlock{BlockID: "b2", Title: "Closures", Code: "function", CorrectCode: "function f() {}"},
	)

	summaries, err := service.ListBlocks(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	expected := []Summary{{ID: "b1", Title: "Async case"}, {ID: "b2", Title: "Closures"}}
	if len(summaries) != len(expected) {
		t.Fatalf("expected %d summaries, got %d", len(expected), len(summaries))
	}
	for index := range expected {
		if summaries[index] != expected[index] {
			t.Fatalf("unexpected summary at %d: %#v", index, summaries[index])
		}
	}
}

func TestListBlocksEmptyStoreReturnsEmptySlice(t *testing.T) {
	service := newTestService(t)

	summaries, err := service.ListBlocks(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summaries == nil || len(summaries) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", summaries)
	}
}

func TestGetBlockReturnsFullRow(t *testing.T) {
	stored := CodeBlock{BlockID: "b1", Title: "Sum", Code: "return", CorrectCode: "return a+b;"}
	service := newTestService(t, stored)

	block, err := service.GetBlock(context.Background(), "b1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if block == nil {
		t.Fatalf("expected block to be found")
	}
	if *block != stored {
		t.Fatalf("expected %#v, got %#v", stored, *block)
	}
}

func TestGetBlockMissingReturnsNil(t *testing.T) {
	service := newTestService(t)

	block, err := service.GetBlock(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if block != nil {
		t.Fatalf("expected nil block, got %#v", block)
	}
}

func TestCorrectCode(t *testing.T) {
	service := newTestService(t, CodeBlock{BlockID: "b1", Title: "Sum", CorrectCode: "return a+b;"})

	correctCode, found, err := service.CorrectCode(context.Background(), "b1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found || correctCode != "return a+b;" {
		t.Fatalf("unexpected correct code %q (found=%v)", correctCode, found)
	}

	_, found, err = service.CorrectCode(context.Background(), "b9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("expected missing block to be reported as not found")
	}
}

func TestUpsertBlocksInsertsAndReplaces(t *testing.T) {
	service := newTestService(t, CodeBlock{BlockID: "b1", Title: "Old", CorrectCode: "old"})

	count, err := service.UpsertBlocks(context.Background(), []CodeBlock{
		{BlockID: " b1 ", Title: "New", Code: "start", CorrectCode: "new"},
		{BlockID: "b2", Title: "Second", CorrectCode: "second"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 upserted blocks, got %d", count)
	}

	block, err := service.GetBlock(context.Background(), "b1")
	if err != nil || block == nil {
		t.Fatalf("expected b1 to exist: %v", err)
	}
	if block.Title != "New" || block.CorrectCode != "new" || block.Code != "start" {
		t.Fatalf("expected b1 to be replaced, got %#v", block)
	}

	summaries, err := service.ListBlocks(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 blocks after upsert, got %d", len(summaries))
	}
}

func TestUpsertBlocksRejectsEmptyID(t *testing.T) {
	service := newTestService(t)

	_, err := service.UpsertBlocks(context.Background(), []CodeBlock{{BlockID: "  ", Title: "Nameless"}})
	if !errors.Is(err, ErrInvalidBlockID) {
		t.Fatalf("expected invalid block id error, got %v", err)
	}
}

func TestUnavailableServiceFailsWithMissingDatabase(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	service := NewUnavailableService(zap.New(core))

	testCases := []struct {
		name     string
		call     func() error
		wantCode string
	}{
		{
			name: "list",
			call: func() error {
				_, err := service.ListBlocks(context.Background())
				return err
			},
			wantCode: "codeblocks.list_blocks.missing_database",
		},
		{
			name: "get",
			call: func() error {
				_, err := service.GetBlock(context.Background(), "b1")
				return err
			},
			wantCode: "codeblocks.get_block.missing_database",
		},
		{
			name: "correct-code",
			call: func() error {
				_, _, err := service.CorrectCode(context.Background(), "b1")
				return err
			},
			wantCode: "codeblocks.correct_code.missing_database",
		},
		{
			name: "ping",
			call: func() error {
				return service.Ping(context.Background())
			},
			wantCode: "codeblocks.ping.missing_database",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			var serviceErr *ServiceError
			if err := testCase.call(); !errors.As(err, &serviceErr) {
				t.Fatalf("expected service error, got %v", err)
			}
			if serviceErr.Code() != testCase.wantCode {
				t.Fatalf("expected code %s, got %s", testCase.wantCode, serviceErr.Code())
			}
		})
	}

	if logs.FilterField(zap.String("reason", "missing_database")).Len() != 3 {
		t.Fatalf("expected three logged missing_database errors, got %d", logs.Len())
	}
}

func TestPingSucceedsWithDatabase(t *testing.T) {
	service := newTestService(t)
	if err := service.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected ping error: %v", err)
	}
}
