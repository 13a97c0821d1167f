// SPDX-License-Identifier: GPL-2.0-only

package main

// This project is GPL-2.0, but this file contains code from generic-device-plugin.
// Original license notice below.
//
// Copyright 2020 the generic-device-plugin authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

import (
	"fmt"
	"strings"

	"github.com/MatthiasValvekens/usbc-hal/usb"
	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// configSections are the config file sections decoded into usb.Config.
var configSections = []string{
	"paths",
	"timeouts",
	"uevent",
	"thermal",
	"displayport_activate_retries",
}

// initConfig defines config flags, config file, and envs
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.String("listen", ":8080", "The address at which to listen for health and metrics.")
	flag.String("socket", "/run/usbc-hal/usbc.sock", "The Unix socket to serve the port service on.")
	flag.String("sysfs-root", "/", "The directory the kernel paths are resolved against.")
	flag.Int("usb-security-mode", usb.SecurityModeChargingOnlyLockedAFU, "The device security mode applied at startup (0-4).")
	flag.Bool("disable-contaminant-detection", false, "Acknowledge contaminant detection requests without forwarding them to the port controller.")
	flag.Bool("input-power-limited-warning", false, "Report limited input power compliance warnings instead of generic ones.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/usbc-hal/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			// Config file was found but another error was produced
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

// getUsbConfig overlays the configured sections onto the defaults.
func getUsbConfig() (usb.Config, error) {
	cfg := usb.DefaultConfig()
	raw := make(map[string]interface{}, len(configSections))
	for _, key := range configSections {
		if viper.IsSet(key) {
			raw[key] = viper.Get(key)
		}
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     &cfg,
		TagName:    "json",
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return cfg, err
	}
	if err := decoder.Decode(raw); err != nil {
		return cfg, fmt.Errorf("failed to decode port service config: %w", err)
	}

	cfg.DisableContaminantDetection = viper.GetBool("disable-contaminant-detection")
	cfg.InputPowerLimitedWarning = viper.GetBool("input-power-limited-warning")
	return cfg, nil
}

// watchConfig applies runtime changes of the config file.
func watchConfig(u *usb.Usb, logger log.Logger) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		_ = level.Info(logger).Log("msg", "config file changed", "file", e.Name, "op", e.Op.String())
		u.SetContaminantDetectionDisabled(viper.GetBool("disable-contaminant-detection"))
	})
	viper.WatchConfig()
}
