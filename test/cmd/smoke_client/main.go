package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"time"

	"github.com/spf13/pflag"

	tlsutils "github.com/0xReLogic/carina-origin/internal/tls"
	"github.com/0xReLogic/carina-origin/testutil"
)

func main() {
	url := pflag.String("url", "http://localhost:8000", "origin base URL")
	timeout := pflag.Duration("timeout", 10*time.Second, "how long to wait for the origin to come up")
	certDir := pflag.String("cert-dir", "", "certificate directory shared with an origin running with TLS")
	pflag.Parse()

	var tlsConfig *tls.Config
	if *certDir != "" {
		cm, err := tlsutils.NewCertManager(*certDir)
		if err != nil {
			log.Fatal(err)
		}
		tlsConfig = cm.GetClientTLSConfig()
	}

	if err := testutil.RunSmokeClient(context.Background(), *url, testutil.DefaultChecks(), *timeout, tlsConfig); err != nil {
		log.Fatal(err)
	}
	fmt.Println("Smoke test OK")
}
