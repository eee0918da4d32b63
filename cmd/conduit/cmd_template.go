package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conduit-network/conduit/pkg/netconf"
	"github.com/conduit-network/conduit/pkg/template"
)

func newApplyCmd() *cobra.Command {
	var templateFile, varsFile string
	var vars []string
	cmd := &cobra.Command{
		Use:   "apply [pattern]",
		Short: "Expand a configuration template under matching devices and push",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if templateFile == "" {
				return fmt.Errorf("--template is required")
			}
			tmpl, err := os.ReadFile(templateFile)
			if err != nil {
				return err
			}
			varMap := make(map[string]string)
			if varsFile != "" {
				varMap, err = template.LoadVars(varsFile)
				if err != nil {
					return err
				}
			}
			for _, kv := range vars {
				parts := strings.SplitN(kv, "=", 2)
				if len(parts) != 2 {
					return fmt.Errorf("variable %q is not name=value", kv)
				}
				varMap[parts[0]] = parts[1]
			}
			var b strings.Builder
			fmt.Fprintf(&b, `<device-template-apply xmlns="%s">`, netconf.ControllerNamespace)
			fmt.Fprintf(&b, "<devname>%s</devname>", patternArg(args))
			fmt.Fprintf(&b, "<origin>%s</origin>", origin())
			b.WriteString("<template>")
			b.WriteString(escapeText(string(tmpl)))
			b.WriteString("</template>")
			b.WriteString("<variables>")
			for name, value := range varMap {
				fmt.Fprintf(&b, "<variable><name>%s</name><value>%s</value></variable>",
					name, escapeText(value))
			}
			b.WriteString("</variables>")
			b.WriteString("</device-template-apply>")
			return runTransactionRPC(b.String())
		},
	}
	cmd.Flags().StringVarP(&templateFile, "template", "t", "", "template file")
	cmd.Flags().StringVar(&varsFile, "vars-file", "", "JSON file of template variables")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "template variable name=value (repeatable)")
	return cmd
}

func escapeText(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
