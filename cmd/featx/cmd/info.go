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

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/featx/internal/colors"
	"github.com/blacktop/featx/internal/config"
	"github.com/blacktop/featx/pkg/features"
)

func init() {
	rootCmd.AddCommand(infoCmd)

	infoCmd.Flags().StringP("arch", "a", "", "Which architecture to use for fat/universal MachO")
	infoCmd.Flags().BoolP("sections", "s", false, "Print the sections")
	infoCmd.Flags().BoolP("imports", "i", false, "Print the imports")

	viper.BindPFlag("info.arch", infoCmd.Flags().Lookup("arch"))
	viper.BindPFlag("info.sections", infoCmd.Flags().Lookup("sections"))
	viper.BindPFlag("info.imports", infoCmd.Flags().Lookup("imports"))

	infoCmd.MarkZshCompPositionalArgumentFile(1)
}

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:           "info <binary>",
	Aliases:       []string{"i"},
	Short:         "Show the detected format, OS and architecture of a binary",
	Args:          cobra.ExactArgs(1),
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}
		fi, err := os.Stat(args[0])
		if err != nil {
			return err
		}
		fx, err := openBinary(args[0], viper.GetString("info.arch"), conf)
		if err != nil {
			return err
		}
		p, err := programOf(fx)
		if err != nil {
			return err
		}
		img := p.Image()

		var osName, arch string
		for _, r := range fx.GlobalFeatures() {
			switch r.Feature.Kind {
			case features.KindOS:
				osName = r.Feature.Value
			case features.KindArch:
				arch = r.Feature.Value
			}
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
		fmt.Fprintf(w, "%s\t%s\n", colors.Name("Format:"), img.Format)
		fmt.Fprintf(w, "%s\t%s\n", colors.Name("Processor:"), img.Processor)
		fmt.Fprintf(w, "%s\t%s\n", colors.Name("OS:"), osName)
		fmt.Fprintf(w, "%s\t%s\n", colors.Name("Arch:"), arch)
		fmt.Fprintf(w, "%s\t%#x\n", colors.Name("Base:"), img.Base)
		if img.Entry != 0 {
			fmt.Fprintf(w, "%s\t%#x\n", colors.Name("Entry:"), img.Entry)
		}
		fmt.Fprintf(w, "%s\t%s\n", colors.Name("Size:"), humanize.Bytes(uint64(fi.Size())))
		fmt.Fprintf(w, "%s\t%s\n", colors.Name("Mapped:"), humanize.Bytes(img.Size()))
		fmt.Fprintf(w, "%s\t%s\n", colors.Name("Functions:"), humanize.Comma(int64(len(p.Funcs()))))
		fmt.Fprintf(w, "%s\t%d\n", colors.Name("Imports:"), len(img.Imports))
		fmt.Fprintf(w, "%s\t%d\n", colors.Name("Exports:"), len(img.Exports))
		fmt.Fprintf(w, "%s\t%d\n", colors.Name("Libraries:"), len(img.Libraries))
		if err := w.Flush(); err != nil {
			return err
		}

		if viper.GetBool("info.sections") {
			fmt.Println()
			fmt.Println(colors.Header("Sections"))
			w = tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
			for _, sec := range img.Sections {
				var exec string
				if sec.Exec {
					exec = "x"
				}
				fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
					colors.Addr("%#x", sec.Addr),
					humanize.Bytes(sec.Size),
					sec.Name,
					exec,
				)
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}

		if viper.GetBool("info.imports") {
			fmt.Println()
			fmt.Println(colors.Header("Imports"))
			for _, imp := range img.Imports {
				fmt.Printf("  %s %s\n", colors.Addr("%#x", imp.Addr), imp)
			}
		}

		return nil
	},
}
