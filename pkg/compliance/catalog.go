package compliance

import "github.com/Masterminds/semver/v3"

// Built-in framework catalog. Frameworks are immutable once registered;
// amendments ship as new ids (e.g. "GDPR-2").

func boolRule(key string) string {
	return `"` + key + `" in metadata && metadata.` + key + ` == true`
}

// HIPAAFramework returns the HIPAA technical-safeguards rule set.
func HIPAAFramework() Framework {
	return Framework{
		ID:      "HIPAA",
		Name:    "HIPAA Security Rule (technical safeguards)",
		Version: semver.MustParse("1.0.0"),
		Rules: []Rule{
			{
				ID:          "hipaa-encryption-in-transit",
				Description: "ePHI must be encrypted in transit",
				Severity:    SeverityCritical,
				Remedy:      "Enable TLS 1.2+ for all ePHI transmission paths",
				Expr:        boolRule("encryption_in_transit"),
			},
			{
				ID:          "hipaa-encryption-at-rest",
				Description: "ePHI must be encrypted at rest",
				Severity:    SeverityCritical,
				Remedy:      "Encrypt stored ePHI with AES-256 or stronger",
				Expr:        boolRule("encryption_at_rest"),
			},
			{
				ID:          "hipaa-access-control",
				Description: "Unique user identification and access control required",
				Severity:    SeverityCritical,
				Remedy:      "Enforce per-user authentication and role-based access",
				Expr:        boolRule("access_control"),
			},
			{
				ID:          "hipaa-audit-logging",
				Description: "Hardware, software, and procedural audit controls required",
				Severity:    SeverityHigh,
				Remedy:      "Record and retain access logs for all ePHI touchpoints",
				Expr:        boolRule("audit_logging"),
			},
			{
				ID:          "hipaa-minimum-necessary",
				Description: "Disclosures limited to the minimum necessary ePHI",
				Severity:    SeverityMedium,
				Remedy:      "Scope queries and exports to the minimum necessary fields",
				Expr:        boolRule("minimum_necessary"),
			},
		},
	}
}

// GDPRFramework returns the GDPR processing rule set.
func GDPRFramework() Framework {
	return Framework{
		ID:      "GDPR",
		Name:    "EU General Data Protection Regulation",
		Version: semver.MustParse("1.0.0"),
		Rules: []Rule{
			{
				ID:          "gdpr-lawful-basis",
				Description: "Processing requires a documented Article 6 lawful basis",
				Severity:    SeverityCritical,
				Remedy:      "Record the lawful basis (consent, contract, legitimate interest, ...)",
				Expr:        `"lawful_basis" in metadata && metadata.lawful_basis != ""`,
			},
			{
				ID:          "gdpr-purpose-limitation",
				Description: "A specific processing purpose must be declared",
				Severity:    SeverityCritical,
				Remedy:      "Declare the processing purpose before running analytics",
				Expr:        `"purpose" in metadata && metadata.purpose != ""`,
			},
			{
				ID:          "gdpr-data-minimization",
				Description: "Only data adequate and limited to the purpose may be processed",
				Severity:    SeverityHigh,
				Remedy:      "Restrict the input dataset to fields required by the purpose",
				Expr:        boolRule("data_minimization"),
			},
			{
				ID:          "gdpr-erasure-support",
				Description: "Article 17 right to erasure must be supported for the dataset",
				Severity:    SeverityHigh,
				Remedy:      "Register the dataset with the erasure workflow",
				Expr:        boolRule("right_to_erasure"),
			},
			{
				ID:          "gdpr-dpo-contact",
				Description: "A Data Protection Officer contact must be on record",
				Severity:    SeverityMedium,
				Remedy:      "Record the DPO contact for the processing organisation",
				Expr:        `"dpo_contact" in metadata && metadata.dpo_contact != ""`,
			},
			{
				ID:          "gdpr-cross-border",
				Description: "Cross-border transfers need SCCs or an adequacy decision",
				Severity:    SeverityLow,
				Remedy:      "Attach the transfer basis (SCCs, adequacy, BCRs) when transferring",
				Expr:        `!("cross_border" in metadata) || metadata.cross_border == false || ("transfer_basis" in metadata && metadata.transfer_basis != "")`,
			},
		},
	}
}

// CCPAFramework returns the CCPA consumer-rights rule set.
func CCPAFramework() Framework {
	return Framework{
		ID:      "CCPA",
		Name:    "California Consumer Privacy Act",
		Version: semver.MustParse("1.0.0"),
		Rules: []Rule{
			{
				ID:          "ccpa-notice-at-collection",
				Description: "Consumers must receive notice at or before collection",
				Severity:    SeverityCritical,
				Remedy:      "Publish a notice-at-collection covering this data category",
				Expr:        boolRule("notice_at_collection"),
			},
			{
				ID:          "ccpa-opt-out",
				Description: "A do-not-sell/share opt-out mechanism must be honored",
				Severity:    SeverityHigh,
				Remedy:      "Exclude opted-out consumers before analytics run",
				Expr:        boolRule("opt_out_honored"),
			},
			{
				ID:          "ccpa-deletion",
				Description: "Consumer deletion requests must be supported",
				Severity:    SeverityHigh,
				Remedy:      "Wire the dataset into the deletion-request pipeline",
				Expr:        boolRule("deletion_supported"),
			},
			{
				ID:          "ccpa-non-discrimination",
				Description: "Exercising rights must not degrade service",
				Severity:    SeverityMedium,
				Remedy:      "Remove rights-based pricing or service tiers",
				Expr:        boolRule("non_discrimination"),
			},
			{
				ID:          "ccpa-service-provider",
				Description: "Third-party processors need service-provider contracts",
				Severity:    SeverityLow,
				Remedy:      "Execute CCPA service-provider addenda with processors",
				Expr:        boolRule("service_provider_contracts"),
			},
		},
	}
}

// RegisterBuiltins registers the built-in catalog on an engine.
func RegisterBuiltins(e *Engine) error {
	for _, fw := range []Framework{GDPRFramework(), HIPAAFramework(), CCPAFramework()} {
		if err := e.Register(fw); err != nil {
			return err
		}
	}
	return nil
}
