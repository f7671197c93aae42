package news

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Checker reports whether trading is clear of major economic news.
type Checker interface {
	Clear(ctx context.Context) (bool, error)
}

// Unchecked never blocks trading. There is no news feed behind it.
type Unchecked struct{}

func (Unchecked) Clear(ctx context.Context) (bool, error) {
	log.Warn().Msg("news event checking not implemented, assuming no major news")
	return true, nil
}
