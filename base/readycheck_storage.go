package base

import (
	"context"
	"net/http"
)

type ReadyCheckStorage struct {
	readyCheck *MapCheckOptions
}

func NewReadyCheckStorage() *ReadyCheckStorage {
	return &ReadyCheckStorage{
		readyCheck: NewMapCheckOptions(),
	}
}

func (s *ReadyCheckStorage) GetReadyHandlers() *MapCheckOptions {
	return s.readyCheck
}

func (s *ReadyCheckStorage) ReadyCheckHandler(ctx context.Context, w http.ResponseWriter) {
	writeCheckResult(ctx, w, s.readyCheck)
}
