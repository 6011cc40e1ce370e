package app

import (
	"github.com/shandysiswandi/unimq/internal/pkg/deadletter"
	"github.com/shandysiswandi/unimq/internal/pkg/goerror"
	"github.com/shandysiswandi/unimq/internal/pkg/messaging"
	"github.com/shandysiswandi/unimq/internal/pkg/router"
)

var (
	errNotReady            = goerror.NewBusiness("messaging backend is not ready", goerror.CodeUnavailable)
	errDeadLetterNotListed = goerror.NewBusiness("no listable dead letter sink is configured", goerror.CodeNotFound)
)

type healthResponse struct {
	Status   string `json:"status"`
	Kind     string `json:"kind,omitempty"`
	Instance string `json:"instance,omitempty"`
}

type statsResponse struct {
	Instance   string                `json:"instance"`
	Goroutines int                   `json:"goroutines"`
	Messaging  messaging.ClientStats `json:"messaging"`
}

type deadLetterListResponse struct {
	Topic   string              `json:"topic"`
	Records []deadletter.Record `json:"records"`
}

func (a *App) registerSystemEndpoints() {
	a.router.GET("/healthz", func(*router.Request) (any, error) {
		return healthResponse{Status: "ok", Instance: a.instance}, nil
	})

	a.router.GET("/readyz", func(*router.Request) (any, error) {
		if a.messaging == nil || !a.messaging.Healthy() {
			return nil, errNotReady
		}
		return healthResponse{Status: "ready", Kind: string(a.messaging.Kind())}, nil
	})

	a.router.GET("/stats", func(*router.Request) (any, error) {
		return statsResponse{
			Instance:   a.instance,
			Goroutines: a.goroutine.Running(),
			Messaging:  a.messaging.Stats(),
		}, nil
	})

	a.router.GET("/api/v1/dead-letters/:topic", func(r *router.Request) (any, error) {
		if a.deadLetterList == nil {
			return nil, errDeadLetterNotListed
		}

		limit, err := r.QueryInt("limit")
		if err != nil {
			return nil, err
		}

		topic := r.Param("topic")
		records, err := a.deadLetterList.List(r.Context(), topic, limit)
		if err != nil {
			return nil, goerror.NewServer(err)
		}
		if records == nil {
			records = []deadletter.Record{}
		}

		return deadLetterListResponse{Topic: topic, Records: records}, nil
	})
}
