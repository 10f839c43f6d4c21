package errx

import (
	"errors"
	"net/http"

	"github.com/redis/go-redis/v9"
)

// WrapRedis maps Redis errors to the unified error type. redis.Nil becomes a
// not-found error, everything else a cache error.
func WrapRedis(err error) *AppError {
	if err == nil {
		return nil
	}

	if errors.Is(err, redis.Nil) {
		return newKind(KindNotFound, err, http.StatusNotFound, RedisNotFoundMessage)
	}

	return newKind(KindCache, err, http.StatusBadGateway, RedisErrorMessage)
}
