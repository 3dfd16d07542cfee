package store

import (
	"context"

	"github.com/pkg/errors"
)

// Media links a chat media handle with a fed-facing URL plus the metadata
// extracted at ingestion time.
type Media struct {
	ID              int64
	ChatMediaHandle *string
	FedMediaURL     *string
	MimeType        string
	FileSize        int64
	Width           int
	Height          int
	DurationMs      int64
	Blurhash        string
	AltText         string
	CreatedTs       int64
}

type FindMedia struct {
	ID              *int64
	ChatMediaHandle *string
	FedMediaURL     *string
	Limit           *int
}

// UpsertMedia stores a media row, merging metadata when either locator
// already exists.
func (s *Store) UpsertMedia(ctx context.Context, upsert *Media) (*Media, error) {
	if upsert.ChatMediaHandle == nil && upsert.FedMediaURL == nil {
		return nil, errors.New("media requires at least one locator")
	}
	return s.driver.UpsertMedia(ctx, upsert)
}

func (s *Store) ListMedia(ctx context.Context, find *FindMedia) ([]*Media, error) {
	return s.driver.ListMedia(ctx, find)
}

// GetMedia returns the single media row matching find, or nil.
func (s *Store) GetMedia(ctx context.Context, find *FindMedia) (*Media, error) {
	list, err := s.driver.ListMedia(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}
