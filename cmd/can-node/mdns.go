package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_can-node._tcp"

// mdnsTXT describes the node to browsers.
func mdnsTXT(cfg *appConfig, bitrate uint32) []string {
	return []string{
		"driver=" + cfg.driver,
		"backend=" + cfg.backend,
		"bitrate=" + strconv.FormatUint(uint64(bitrate), 10),
		"version=" + version,
		"commit=" + commit,
	}
}

// listenPort extracts the port from a bound host:port address.
func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(p)
}

// startMDNS registers the monitor port and returns its cleanup. The
// registration is withdrawn when ctx ends.
func startMDNS(ctx context.Context, cfg *appConfig, port int, bitrate uint32) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = "can-node-" + host
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, mdnsTXT(cfg, bitrate), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	stop := context.AfterFunc(ctx, svc.Shutdown)
	return func() {
		if stop() {
			svc.Shutdown()
		}
	}, nil
}
