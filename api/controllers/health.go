package controllers

import (
	"context"
	"net/http"

	"github.com/holisticpeople/funnel-bridge/api/responses"
	"github.com/holisticpeople/funnel-bridge/pkg/config"
	pkgerrors "github.com/holisticpeople/funnel-bridge/pkg/errors"
	"github.com/holisticpeople/funnel-bridge/pkg/logger"
	"github.com/holisticpeople/funnel-bridge/pkg/redis"
)

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, map[string]string{"status": "live", "env": cfg.App.Env})
	}
}

func HealthReady(cfg *config.Config, logg *logger.Logger, redisClient redis.Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if err := pingRedis(ctx, redisClient); err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "redis not ready"))
			return
		}
		responses.WriteSuccess(w, map[string]string{"status": "ready", "env": cfg.App.Env})
	}
}

func pingRedis(ctx context.Context, p redis.Pinger) error {
	if p == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "redis client not configured")
	}
	return p.Ping(ctx)
}
