package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/iago/health-records-back/internal/dashboard"
	"github.com/iago/health-records-back/internal/domain"
	"github.com/iago/health-records-back/internal/inspect"
	"github.com/iago/health-records-back/internal/workflow"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newUploadCommand(v *viper.Viper) *cobra.Command {
	var (
		reportType string
		analyze    bool
		save       bool
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a report, wait for processing and optionally analyze and save it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := loadSettings(v)
			cookie, err := s.cookie()
			if err != nil {
				return err
			}
			parsedType, err := domain.ParseReportType(reportType)
			if err != nil {
				return fmt.Errorf("--type: %w", err)
			}
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read report: %w", err)
			}

			out := cmd.OutOrStdout()
			logger := s.logger(cmd)
			client := s.client(logger)
			file := workflow.File{
				Name:        filepath.Base(args[0]),
				ContentType: detectContentType(args[0], content),
				Size:        int64(len(content)),
				Content:     bytes.NewReader(content),
			}
			if info, err := inspect.PDF(content); err == nil {
				fmt.Fprintf(out, "%s: %d page(s)\n", file.Name, info.PageCount)
				if !info.HasText {
					fmt.Fprintln(out, "warning: no text layer found, the backend will have to OCR the scan")
				}
			}

			controller := workflow.NewController(client.Session(cookie), workflow.Config{
				PollInterval:    s.PollInterval,
				MaxPollAttempts: s.MaxPollAttempts,
				CallTimeout:     s.Timeout,
				Logger:          logger,
			})
			defer controller.Cancel()
			if verbose {
				controller.Subscribe(func(t workflow.Transition) {
					fmt.Fprintf(cmd.ErrOrStderr(), "[%d] %s: %s -> %s (attempts=%d)\n", t.Seq, t.Event, t.From, t.To, t.Snapshot.PollAttempts)
				})
			}

			ctx := cmd.Context()
			if err := controller.SelectFile(ctx, file, parsedType); err != nil {
				if message := controller.Snapshot().Error; message != "" {
					return errors.New(message)
				}
				return err
			}
			fmt.Fprintf(out, "uploaded, file id %s\n", controller.Snapshot().FileID)

			snapshot, err := controller.Wait(ctx)
			if err != nil {
				return err
			}
			if snapshot.Status != workflow.StatusReady {
				return errors.New(snapshot.Error)
			}
			fmt.Fprintf(out, "processed after %d status check(s)\n", snapshot.PollAttempts)

			if !analyze && !save {
				return nil
			}
			result, err := controller.Analyze(ctx)
			if err != nil {
				if message := controller.Snapshot().Error; message != "" {
					return errors.New(message)
				}
				return err
			}
			printAnalysis(out, result)

			if !save {
				return nil
			}
			handoff, err := controller.SaveAndContinue()
			if err != nil {
				return err
			}
			return printDashboard(ctx, out, dashboard.NewService(client, dashboard.Config{Logger: logger}), cookie, handoff)
		},
	}

	cmd.Flags().StringVar(&reportType, "type", string(domain.ReportTypeBloodTest), "report type (medical-prescription or blood-test-report)")
	cmd.Flags().BoolVar(&analyze, "analyze", false, "analyze the report once processed")
	cmd.Flags().BoolVar(&save, "save", false, "analyze, save and build the dashboard")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every workflow transition")
	return cmd
}

func detectContentType(path string, content []byte) string {
	if byExtension := mime.TypeByExtension(filepath.Ext(path)); byExtension != "" {
		return byExtension
	}
	return http.DetectContentType(content)
}

func printAnalysis(out io.Writer, result *domain.AnalysisResult) {
	fmt.Fprintf(out, "\nSummary: %s\n", result.Summary)
	fmt.Fprintf(out, "Risk level: %s\n", workflow.DeriveRiskLevel(result.KeyFindings))
	if findings := workflow.FormatKeyFindings(result.KeyFindings); len(findings) > 0 {
		fmt.Fprintln(out, "Key findings:")
		for _, finding := range findings {
			fmt.Fprintf(out, "  - %s\n", finding)
		}
	}
	if len(result.Recommendations) > 0 {
		fmt.Fprintln(out, "Recommendations:")
		for _, recommendation := range result.Recommendations {
			fmt.Fprintf(out, "  - %s\n", recommendation)
		}
	}
	if result.Insights != "" {
		fmt.Fprintf(out, "Insights: %s\n", result.Insights)
	}
}

func printDashboard(ctx context.Context, out io.Writer, dashboards *dashboard.Service, cookie string, handoff workflow.Handoff) error {
	result, err := dashboards.Load(ctx, cookie, handoff.FileID, handoff.Fresh)
	if err != nil {
		return fmt.Errorf("load dashboard: %w", err)
	}
	var summary struct {
		DashboardID   any    `json:"dashboard_id"`
		DashboardType string `json:"dashboard_type"`
	}
	_ = json.Unmarshal(result.Body, &summary)
	fmt.Fprintf(out, "\nDashboard %v (%s) ready for file %s\n", summary.DashboardID, summary.DashboardType, handoff.FileID)
	return nil
}
