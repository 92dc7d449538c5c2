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
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/featx/internal/colors"
	"github.com/blacktop/featx/internal/config"
	"github.com/blacktop/featx/internal/model"
	"github.com/blacktop/featx/pkg/features"
)

func init() {
	rootCmd.AddCommand(queryCmd)

	queryCmd.Flags().String("db", "", "Path to the sqlite database")
	queryCmd.Flags().StringP("image", "i", "", "List the stored features of the image with this sha256")
	queryCmd.Flags().StringP("scope", "s", "", "Only list features of this scope (global, file, function, basic-block)")
	queryCmd.Flags().BoolP("json", "j", false, "Output as JSON")

	viper.BindPFlag("query.image", queryCmd.Flags().Lookup("image"))
	viper.BindPFlag("query.scope", queryCmd.Flags().Lookup("scope"))
	viper.BindPFlag("query.json", queryCmd.Flags().Lookup("json"))
}

// queryCmd represents the query command
var queryCmd = &cobra.Command{
	Use:   "query [kind] [value]",
	Short: "Search the feature database",
	Example: `  # find every image that calls CreateFileA
  ❯ featx query --db featx.db api kernel32.CreateFileA
  # list the function scope features of an image
  ❯ featx query --db featx.db --image <sha256> --scope function`,
	Args:          cobra.MaximumNArgs(2),
	SilenceErrors: true,
	SilenceUsage:  true,
	PreRun: func(cmd *cobra.Command, args []string) {
		viper.BindPFlag("database.path", cmd.Flags().Lookup("db"))
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}
		store, err := conf.OpenDatabase()
		if err != nil {
			return err
		}
		if store == nil {
			return fmt.Errorf("no database configured (use --db or the 'database' config section)")
		}
		defer store.Close()

		var feats []model.Feature
		if sha := viper.GetString("query.image"); sha != "" {
			img, err := store.Get(sha)
			if err != nil {
				return errors.Wrapf(err, "failed to get image %s", sha)
			}
			log.WithFields(log.Fields{
				"name":      img.Name,
				"format":    img.Format,
				"os":        img.OS,
				"arch":      img.Arch,
				"functions": len(img.Functions),
			}).Info("Image")
			feats, err = store.Features(sha, model.Scope(viper.GetString("query.scope")))
			if err != nil {
				return err
			}
		} else {
			if len(args) == 0 {
				return fmt.Errorf("a feature kind (and value) or --image is required")
			}
			f := features.Feature{Kind: features.Kind(args[0])}
			if len(args) > 1 {
				f.Value = args[1]
			}
			feats, err = store.Find(f)
			if err != nil {
				return err
			}
		}

		if viper.GetBool("query.json") {
			return writeJSON(os.Stdout, feats)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
		for _, f := range feats {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				f.ImageSHA256,
				f.Scope,
				colors.Addr("%s", features.Address(f.Function)),
				colors.Feature(f.Record().Feature),
				colors.Addr("@ %s", features.Address(f.Address)),
			)
		}
		return w.Flush()
	},
}
