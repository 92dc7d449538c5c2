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
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/featx/internal/colors"
	"github.com/blacktop/featx/internal/config"
	"github.com/blacktop/featx/internal/program"
	"github.com/blacktop/featx/internal/utils"
)

func init() {
	rootCmd.AddCommand(funcsCmd)

	funcsCmd.Flags().StringP("arch", "a", "", "Which architecture to use for fat/universal MachO")
	funcsCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	funcsCmd.Flags().StringP("addr", "x", "", "Only show the function containing this address")

	viper.BindPFlag("funcs.arch", funcsCmd.Flags().Lookup("arch"))
	viper.BindPFlag("funcs.json", funcsCmd.Flags().Lookup("json"))
	viper.BindPFlag("funcs.addr", funcsCmd.Flags().Lookup("addr"))

	funcsCmd.MarkZshCompPositionalArgumentFile(1)
}

type funcOutput struct {
	Start   string `json:"start"`
	End     string `json:"end"`
	Name    string `json:"name"`
	Thunk   bool   `json:"thunk,omitempty"`
	Library bool   `json:"library,omitempty"`
	API     string `json:"api,omitempty"`
}

func newFuncOutput(f *program.Func) funcOutput {
	out := funcOutput{
		Start:   fmt.Sprintf("%#x", f.Entry),
		End:     fmt.Sprintf("%#x", f.End),
		Name:    f.Name,
		Thunk:   f.Thunk,
		Library: f.Library,
	}
	if f.API != nil {
		out.API = f.API.String()
	}
	return out
}

// funcsCmd represents the funcs command
var funcsCmd = &cobra.Command{
	Use:           "funcs <binary>",
	Aliases:       []string{"f"},
	Short:         "List the recovered functions of a binary",
	Args:          cobra.ExactArgs(1),
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}
		fx, err := openBinary(args[0], viper.GetString("funcs.arch"), conf)
		if err != nil {
			return err
		}
		p, err := programOf(fx)
		if err != nil {
			return err
		}

		funcs := p.Funcs()
		if a := viper.GetString("funcs.addr"); a != "" {
			addr, err := utils.ConvertStrToInt(a)
			if err != nil {
				return fmt.Errorf("invalid address %q: %v", a, err)
			}
			funcs = funcs[:0]
			for _, f := range p.Funcs() {
				if f.Entry <= addr && addr < f.End {
					funcs = append(funcs, f)
				}
			}
			if len(funcs) == 0 {
				return fmt.Errorf("no function contains %#x", addr)
			}
		}

		if viper.GetBool("funcs.json") {
			out := make([]funcOutput, 0, len(funcs))
			for _, f := range funcs {
				out = append(out, newFuncOutput(f))
			}
			return writeJSON(os.Stdout, out)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
		for _, f := range funcs {
			var tags []string
			if f.Thunk {
				tags = append(tags, "thunk")
			}
			if f.Library {
				tags = append(tags, "library")
			}
			if f.API != nil {
				tags = append(tags, "-> "+f.API.String())
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				colors.Addr("%#x", f.Entry),
				colors.Addr("%#x", f.End),
				colors.Name(f.Name),
				strings.Join(tags, " "),
			)
		}
		return w.Flush()
	},
}
