// Package main serves the jobrelay API from AWS Lambda behind an API Gateway
// HTTP API (payload format 2.0).
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/kiranshivaraju/jobrelay/internal/app"
	"github.com/kiranshivaraju/jobrelay/internal/config"
)

type proxyFunc func(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error)

func main() {
	slog.SetDefault(app.NewLogger(os.Stdout, os.Getenv("LOG_LEVEL")))

	proxy, err := setup(context.Background())
	if err != nil {
		slog.Error("lambda init failed", "error", err)
		os.Exit(1)
	}
	lambda.Start(proxy)
}

// setup runs once per cold start. Connections stay open for the lifetime of
// the execution environment.
func setup(ctx context.Context) (proxyFunc, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return httpadapter.NewV2(a.Handler()).ProxyWithContext, nil
}
