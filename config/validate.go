package config

import (
	"errors"
	"fmt"

	"lendpool/storage"
)

// Validate checks the node configuration, including the embedded pool
// parameters.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" && c.StorageBackend != storage.BackendMemory {
		errs = append(errs, errors.New("DataDir is required for persistent storage"))
	}
	switch c.StorageBackend {
	case storage.BackendLevelDB, storage.BackendBolt, storage.BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("StorageBackend %q is not one of leveldb, bolt, memory", c.StorageBackend))
	}
	reserve, escrow, err := c.Accounts()
	if err != nil {
		errs = append(errs, err)
	} else if reserve == escrow {
		errs = append(errs, errors.New("ReserveAddress and EscrowAddress must differ"))
	}
	if err := c.Pool.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pool: %w", err))
	}
	return errors.Join(errs...)
}
