// aegis-seed generates the root of trust: an Ed25519 keypair plus the seed
// artifact the service reads at first bootstrap. The private key file is
// meant to be moved offline once the system authority has been minted.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"aegis.dev/internal/crypto"
	"aegis.dev/internal/ids"
	"aegis.dev/internal/trust"
)

func main() {
	var (
		outDir = flag.String("out", "seed", "output directory")
		name   = flag.String("name", "aegis_root", "root certificate name")
	)
	flag.Parse()

	if err := os.MkdirAll(*outDir, 0o700); err != nil {
		log.Fatalf("create output dir: %v", err)
	}

	priv, pub, err := crypto.GenerateKeypair()
	if err != nil {
		log.Fatalf("generate keypair: %v", err)
	}

	now := time.Now().UTC()
	seed := trust.Seed{
		ID:        ids.NewWAID(now),
		Name:      *name,
		PublicKey: crypto.EncodePublicKey(pub),
		Scopes:    []string{"*"},
		CreatedAt: now,
	}

	raw, err := json.MarshalIndent(seed, "", "  ")
	if err != nil {
		log.Fatalf("encode seed: %v", err)
	}
	seedPath := filepath.Join(*outDir, "root_pub.json")
	if err := os.WriteFile(seedPath, raw, 0o600); err != nil {
		log.Fatalf("write %s: %v", seedPath, err)
	}

	keyPath := filepath.Join(*outDir, "root.key")
	encoded := base64.StdEncoding.EncodeToString(priv)
	if err := os.WriteFile(keyPath, []byte(encoded), 0o600); err != nil {
		log.Fatalf("write %s: %v", keyPath, err)
	}

	fmt.Printf("root certificate: %s\n", seed.ID)
	fmt.Printf("seed artifact:    %s\n", seedPath)
	fmt.Printf("private key:      %s (keep offline)\n", keyPath)
}
