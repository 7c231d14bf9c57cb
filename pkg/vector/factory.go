package vector

import (
	"fmt"
	"path/filepath"

	"github.com/deeptavern/deeptavern/pkg/config"
)

// New creates a vector provider from configuration. dataDir anchors the
// chromem persistence directory; remote backends ignore it.
func New(cfg config.VectorStoreConfig, dataDir string) (Provider, error) {
	switch cfg.Backend {
	case "", "chromem":
		return NewChromemProvider(ChromemConfig{
			PersistPath: filepath.Join(dataDir, "chromem"),
		})

	case "qdrant":
		return NewQdrantProvider(QdrantConfig{
			Host:   cfg.Host,
			Port:   cfg.Port,
			APIKey: cfg.APIKey,
			UseTLS: cfg.UseTLS,
		})

	case "pinecone":
		return NewPineconeProvider(PineconeConfig{
			APIKey:    cfg.APIKey,
			IndexName: cfg.Index,
		})

	default:
		return nil, fmt.Errorf("unknown vector backend: %s (supported: chromem, qdrant, pinecone)", cfg.Backend)
	}
}
