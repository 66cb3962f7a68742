/*
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/ParticleHealth/charm/internal/config"
	"github.com/ParticleHealth/charm/query"
	"github.com/ParticleHealth/charm/retrieve"
	"github.com/ParticleHealth/charm/workflow"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd(config.NewViper()).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "charm",
		Short:         "Query the Particle Health network for a patient and save the results",
		SilenceUsage:  true,
	}
	flags := cmd.PersistentFlags()
	flags.String("base-url", "", "API host, e.g. https://sandbox.particlehealth.com (PARTICLE_HOST)")
	flags.String("client-id", "", "client id (CLIENT_ID)")
	flags.String("client-secret", "", "client secret (CLIENT_SECRET)")
	flags.String("output-dir", "", "directory results are written to (OUTPUT_DIR)")
	flags.String("format", "", "output format: bundle, array or ndjson (OUTPUT_FORMAT)")
	bindFlags(v, cmd, map[string]string{
		"PARTICLE_HOST": "base-url",
		"CLIENT_ID":     "client-id",
		"CLIENT_SECRET": "client-secret",
		"OUTPUT_DIR":    "output-dir",
		"OUTPUT_FORMAT": "format",
	})

	cmd.AddCommand(runCmd(v))
	cmd.AddCommand(authCmd(v))
	cmd.AddCommand(createCmd(v))
	cmd.AddCommand(queryCmd(v))
	cmd.AddCommand(fetchCmd(v))
	cmd.AddCommand(everythingCmd(v))
	return cmd
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for key, flag := range keys {
		f := cmd.PersistentFlags().Lookup(flag)
		if f == nil {
			f = cmd.Flags().Lookup(flag)
		}
		_ = v.BindPFlag(key, f)
	}
}

func runCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create the subject, query for it and save encounters, medications and $everything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			report, err := a.runner(workflow.Options{}).Run(cmd.Context())
			printReport(cmd, report)
			return err
		},
	}
	cmd.Flags().String("subject-type", "", "Patient or Person (SUBJECT_TYPE)")
	cmd.Flags().String("subject-file", "", "JSON Patient or Person resource to create (SUBJECT_FILE)")
	bindFlags(v, cmd, map[string]string{
		"SUBJECT_TYPE": "subject-type",
		"SUBJECT_FILE": "subject-file",
	})
	return cmd
}

func printReport(cmd *cobra.Command, report *workflow.Report) {
	if report == nil || len(report.Examples) == 0 {
		return
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "EXAMPLE\tCOUNT\tLOCATION\n")
	for _, example := range report.Examples {
		location := example.Location
		if example.Err != nil {
			location = "failed: " + example.Err.Error()
		} else if location == "" {
			location = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", example.Name, example.Count, location)
	}
	_ = w.Flush()
}

func authCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Acquire an access token and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			token, err := a.tokens.Token(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token.Value)
			return err
		},
	}
}

func createCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create the subject and print its reference",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			subject, err := a.runner(workflow.Options{}).CreateSubject(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), subject.Reference())
			return err
		},
	}
}

func queryCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "query <type/id>",
		Short: "Start a query for an existing Patient or Person and wait for it to complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, err := query.ParseSubject(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			status, err := a.runner(workflow.Options{}).Query(cmd.Context(), subject)
			if err != nil {
				return err
			}
			if status.Manifest == nil {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "query complete")
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(status.Manifest)
		},
	}
}

func fetchCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <resource-type> <type/id>",
		Short: "Search resources of a type for a subject and write them",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, err := query.ParseSubject(args[1])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			var filters []retrieve.Filter
			if count, _ := cmd.Flags().GetInt("count"); count > 0 {
				filters = append(filters, retrieve.Count(count))
			}
			resources, err := a.retriever().Search(cmd.Context(), args[0], subject, filters...)
			if err != nil {
				return err
			}
			return writeResources(cmd, a, args[0], resources)
		},
	}
	cmd.Flags().Int("count", 0, "page size (_count)")
	return cmd
}

func everythingCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "everything <patient-id>",
		Short: "Invoke $everything for a patient and write the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, err := query.ParseSubject(args[0])
			if err != nil {
				return err
			}
			if subject.Type != query.SubjectPatient {
				return fmt.Errorf("$everything requires a Patient, got %s", subject)
			}
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			resources, err := a.retriever().Everything(cmd.Context(), subject)
			if err != nil {
				return err
			}
			return writeResources(cmd, a, workflow.ExamplePatientEverything, resources)
		},
	}
}

func writeResources(cmd *cobra.Command, a *app, name string, resources []json.RawMessage) error {
	if len(resources) == 0 {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), "no resources found")
		return err
	}
	location, err := a.runner(workflow.Options{}).Write(cmd.Context(), name, resources)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d resources written to %s\n", len(resources), location)
	return err
}
