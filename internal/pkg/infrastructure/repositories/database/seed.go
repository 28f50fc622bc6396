package database

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/logging"
	"github.com/diwise/locker-mgmt/pkg/types"
)

// SeedDevices reads a semicolon separated list of known devices
//
//	id;manufacturer;model;androidVersion
//
// and creates the ones that are not already present in the store.
func SeedDevices(ctx context.Context, s Store, devicesFile io.Reader) error {
	log := logging.GetLoggerFromContext(ctx)

	r := csv.NewReader(devicesFile)
	r.Comma = ';'

	knownDevices, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("failed to read csv data from file: %s", err.Error())
	}

	seen := map[string]struct{}{}
	created := 0

	for idx, d := range knownDevices {
		if idx == 0 {
			// Skip the CSV header
			continue
		}

		if len(d) < 3 {
			return fmt.Errorf("too few fields on line %d in devices config", idx+1)
		}

		deviceID := strings.TrimSpace(d[0])
		if deviceID == "" {
			return fmt.Errorf("missing device id on line %d in devices config", idx+1)
		}

		if _, ok := seen[deviceID]; ok {
			return fmt.Errorf("duplicate device id %s found on line %d in devices config", deviceID, idx+1)
		}
		seen[deviceID] = struct{}{}

		device := types.Device{
			ID:           deviceID,
			Manufacturer: strings.TrimSpace(d[1]),
			Model:        strings.TrimSpace(d[2]),
		}

		if len(d) > 3 {
			device.AndroidVersion = strings.TrimSpace(d[3])
		}

		_, err := s.GetDevice(ctx, deviceID)
		if err == nil {
			continue
		}
		if !errors.Is(err, types.ErrNotFound) {
			return err
		}

		if err = s.CreateDevice(ctx, device); err != nil {
			return err
		}
		created++
	}

	log.Info().Msgf("loaded %d new devices from configuration file", created)

	return nil
}

func SeedProfiles(ctx context.Context, s Store, profiles []types.Profile) error {
	for _, p := range profiles {
		if p.ID == "" {
			return fmt.Errorf("profile without id in configuration")
		}

		if err := s.SaveProfile(ctx, p); err != nil {
			return err
		}
	}

	return nil
}
