package cmd

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"prio-governor/internal/config"
	"prio-governor/internal/logging"
	"prio-governor/internal/rules"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [rule-file...]",
		Short: "Validate the configuration and every rule layer, or only the given rule files",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return validateFiles(cmd, args)
			}
			return validateAll(cmd, settings.GetString(flagConfig))
		},
	}
}

// validateFiles checks standalone rule files as if they were user rules.
// Type references must resolve within the file itself.
func validateFiles(cmd *cobra.Command, paths []string) error {
	logger := logging.GetLogger()
	var failed int
	for _, path := range paths {
		rs, err := rules.LoadFile(path, rules.LayerUser)
		if err != nil {
			failed++
			logger.WithField("path", path).WithError(err).Error("Rule file rejected")
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s ok (%d rules, %d behavior types)\n", path, rs.Len(), rs.TypeCount())
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d rule files invalid", failed, len(paths))
	}
	return nil
}

func validateAll(cmd *cobra.Command, path string) error {
	logger := logging.GetLogger()

	cfg, rs, err := loadAll(path)
	if err != nil {
		fields := logrus.Fields{"config_file": path}
		var le *rules.LoadError
		var ve *config.ValidationError
		switch {
		case errors.As(err, &le):
			fields["path"] = le.Path
			fields["rule"] = le.Rule
			fields["reason"] = le.Reason
		case errors.As(err, &ve):
			fields["path"] = ve.Path
			fields["problems"] = ve.Problems
		}
		logger.WithFields(fields).WithError(err).Error("Validation failed")
		return err
	}

	sum, err := config.Checksum(cfg)
	if err != nil {
		return err
	}
	logger.WithFields(cfg.LogFields()).Info("Configuration is valid")
	fmt.Fprintf(cmd.OutOrStdout(), "config %s ok (checksum %s)\n", path, sum)
	fmt.Fprintf(cmd.OutOrStdout(), "rules: %d rules, %d behavior types, layer order %v\n", rs.Len(), rs.TypeCount(), rs.LayerOrder())
	return nil
}
