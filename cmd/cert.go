package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sunbk201/idmask/internal/tlscert"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage the proxy listener TLS certificate",
}

var certGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a self-signed server certificate as base64-encoded PKCS#12",
	RunE:  runCertGenerate,
}

var certExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the certificate in PEM format from base64-encoded PKCS#12",
	RunE:  runCertExport,
}

var (
	certHosts      []string
	certValidity   time.Duration
	certPassphrase string
	certP12Base64  string
	certOutputFile string
)

func init() {
	certGenerateCmd.Flags().StringSliceVar(&certHosts, "host", nil, "DNS name or IP the certificate is valid for (repeatable)")
	certGenerateCmd.Flags().DurationVar(&certValidity, "validity", 365*24*time.Hour, "Certificate lifetime")
	certGenerateCmd.Flags().StringVar(&certPassphrase, "passphrase", "", "Passphrase for the PKCS#12 bundle")
	certGenerateCmd.Flags().StringVar(&certOutputFile, "output", "", "Optional output file path for the PEM certificate")

	certExportCmd.Flags().StringVar(&certP12Base64, "p12-base64", "", "Base64-encoded PKCS#12 data")
	certExportCmd.Flags().StringVar(&certPassphrase, "passphrase", "", "Passphrase for the PKCS#12 bundle")
	certExportCmd.Flags().StringVar(&certOutputFile, "output", "", "Optional output file path for the PEM certificate")

	certCmd.AddCommand(certGenerateCmd)
	certCmd.AddCommand(certExportCmd)
	rootCmd.AddCommand(certCmd)
}

func runCertGenerate(cmd *cobra.Command, args []string) error {
	bundle, err := tlscert.Generate(certHosts, certValidity)
	if err != nil {
		return fmt.Errorf("failed to generate certificate: %w", err)
	}

	p12Base64, err := bundle.EncodeP12(certPassphrase)
	if err != nil {
		return fmt.Errorf("failed to encode certificate as PKCS#12: %w", err)
	}

	// stdout carries only the bundle, ready for tls.pkcs12
	fmt.Fprintln(cmd.OutOrStdout(), p12Base64)

	if certOutputFile != "" {
		if err := os.WriteFile(certOutputFile, bundle.CertPEM(), 0644); err != nil {
			return fmt.Errorf("failed to write PEM file: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "PEM certificate written to %s\n", certOutputFile)
	}
	return nil
}

func runCertExport(cmd *cobra.Command, args []string) error {
	if certP12Base64 == "" {
		return fmt.Errorf("--p12-base64 is required")
	}

	bundle, err := tlscert.DecodeP12(certP12Base64, certPassphrase)
	if err != nil {
		return err
	}

	pemData := bundle.CertPEM()
	if certOutputFile != "" {
		if err := os.WriteFile(certOutputFile, pemData, 0644); err != nil {
			return fmt.Errorf("failed to write PEM file: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "PEM certificate written to %s\n", certOutputFile)
		return nil
	}
	_, err = cmd.OutOrStdout().Write(pemData)
	return err
}
