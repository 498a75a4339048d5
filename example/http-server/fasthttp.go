//go:build linux

package main

import (
	"context"
	"fmt"

	"github.com/godzie44/go-uring-bench/response"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

//plaintext answer every request like the raw engines do.
func plaintext(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("X-Test", "01234567890123456789")
	ctx.SetContentType("text/plain")
	ctx.SetBodyString(response.Body)
}

func fasthttpSrv(ctx context.Context, log logrus.FieldLogger, port int) error {
	server := &fasthttp.Server{
		Name:                          "Go",
		Handler:                       plaintext,
		DisableHeaderNamesNormalizing: true,
		Logger:                        log,
	}

	go func() {
		<-ctx.Done()
		if err := server.Shutdown(); err != nil {
			log.WithError(err).Warn("fasthttp shutdown")
		}
	}()

	return server.ListenAndServe(fmt.Sprintf(":%d", port))
}
