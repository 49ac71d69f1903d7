package base

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/soldatov-s/dbpool/x/httpx"
)

type AliveCheckStorage struct {
	aliveCheck *MapCheckOptions
}

func NewAliveCheckStorage() *AliveCheckStorage {
	return &AliveCheckStorage{
		aliveCheck: NewMapCheckOptions(),
	}
}

func (s *AliveCheckStorage) GetAliveHandlers() *MapCheckOptions {
	return s.aliveCheck
}

func (s *AliveCheckStorage) AliveCheckHandler(ctx context.Context, w http.ResponseWriter) {
	writeCheckResult(ctx, w, s.aliveCheck)
}

func writeCheckResult(ctx context.Context, w http.ResponseWriter, checks *MapCheckOptions) {
	if name, err := checks.Check(ctx); err != nil {
		httpx.WriteErrAnswer(ctx, w, err, name)
		return
	}

	answ := httpx.OkResult()
	if err := answ.WriteJSON(w); err != nil {
		zerolog.Ctx(ctx).Err(err).Msg("write json")
	}
}
