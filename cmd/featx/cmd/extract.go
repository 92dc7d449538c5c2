/*
Copyright © 2018-2026 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/apex/log"
	"github.com/caarlos0/ctrlc"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/featx/internal/config"
	"github.com/blacktop/featx/internal/model"
	"github.com/blacktop/featx/internal/utils"
	"github.com/blacktop/featx/pkg/extractor"
)

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().StringP("arch", "a", "", "Which architecture to use for fat/universal MachO")
	extractCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	extractCmd.Flags().BoolP("yaml", "y", false, "Output as YAML")
	extractCmd.Flags().BoolP("blocks", "b", false, "Include basic block scopes")
	extractCmd.Flags().IntP("workers", "w", 0, "Number of functions to extract in parallel (default is the number of CPUs)")
	extractCmd.Flags().Duration("timeout", 0, "Abort the extraction after this long")
	extractCmd.Flags().String("db", "", "Save the features to this sqlite database")
	extractCmd.Flags().StringSlice("library", nil, "Regular expressions matching statically linked library functions")
	extractCmd.MarkFlagsMutuallyExclusive("json", "yaml")

	viper.BindPFlag("extract.arch", extractCmd.Flags().Lookup("arch"))
	viper.BindPFlag("extract.json", extractCmd.Flags().Lookup("json"))
	viper.BindPFlag("extract.yaml", extractCmd.Flags().Lookup("yaml"))
	viper.BindPFlag("extract.blocks", extractCmd.Flags().Lookup("blocks"))
	viper.BindPFlag("extract.workers", extractCmd.Flags().Lookup("workers"))
	viper.BindPFlag("extract.timeout", extractCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("extract.library", extractCmd.Flags().Lookup("library"))
	viper.BindPFlag("database.path", extractCmd.Flags().Lookup("db"))

	extractCmd.MarkZshCompPositionalArgumentFile(1)
}

// extractCmd represents the extract command
var extractCmd = &cobra.Command{
	Use:           "extract <binary>",
	Aliases:       []string{"e"},
	Short:         "Extract the features of every scope of a binary",
	Args:          cobra.ExactArgs(1),
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}

		path := filepath.Clean(args[0])

		fx, err := openBinary(path, viper.GetString("extract.arch"), conf)
		if err != nil {
			return err
		}

		ctx := context.Background()
		if conf.Extract.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, conf.Extract.Timeout)
			defer cancel()
		}

		var res *extractor.Result
		start := time.Now()
		if err := ctrlc.Default.Run(ctx, func() error {
			res, err = extractor.Walk(ctx, fx,
				extractor.WithConcurrency(conf.Extract.Workers),
				extractor.WithProgress(func(fc extractor.FunctionContext) {
					log.WithField("function", fc.Function.String()).Debug("Extracting")
				}),
			)
			return err
		}); err != nil {
			if errors.As(err, &ctrlc.ErrorCtrlC{}) {
				log.Warn("Exiting...")
				return nil
			}
			return errors.Wrap(err, "failed to extract features")
		}
		log.WithFields(log.Fields{
			"functions": len(res.Functions),
			"failed":    len(res.Errors),
			"elapsed":   time.Since(start).Round(time.Millisecond),
		}).Debug("Extracted")
		if len(res.Errors) > 0 {
			log.Warnf("failed to extract %d function(s) (run with --verbose for details)", len(res.Errors))
			for _, addr := range slices.Sorted(maps.Keys(res.Errors)) {
				utils.Indent(log.WithError(res.Errors[addr]).Debug, 2)(addr.String())
			}
		}

		sha, err := utils.Sha256(path)
		if err != nil {
			return err
		}

		if err := save(conf, fx, sha, path, res); err != nil {
			return err
		}

		switch {
		case viper.GetBool("extract.json"):
			return writeJSON(os.Stdout, newResultOutput(sha, res, viper.GetBool("extract.blocks")))
		case viper.GetBool("extract.yaml"):
			return writeYAML(os.Stdout, newResultOutput(sha, res, viper.GetBool("extract.blocks")))
		default:
			writeText(os.Stdout, res, viper.GetBool("extract.blocks"))
		}

		return nil
	},
}

func save(conf *config.Config, fx *extractor.Extractor, sha, path string, res *extractor.Result) error {
	store, err := conf.OpenDatabase()
	if err != nil {
		return err
	}
	if store == nil {
		return nil
	}
	defer store.Close()

	img := model.NewImage(sha, filepath.Base(path), res)
	img.Base = int64(fx.BaseAddress())
	if err := store.Save(img); err != nil {
		return errors.Wrapf(err, "failed to save %s", path)
	}
	log.WithFields(log.Fields{
		"sha256":   sha,
		"features": len(img.Features),
	}).Info("Saved")
	return nil
}
