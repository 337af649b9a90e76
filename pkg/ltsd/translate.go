package ltsd

func toWireMoney(m Money) wireMoney { return wireMoney(m) }

func toWireEvaluate(r EvaluationRequest) wireEvaluateRequest {
	in := r.EvaluationInput
	ctx := in.Context

	bom := make([]wireBOMItem, 0, len(in.BillOfMaterials))
	for _, b := range in.BillOfMaterials {
		bom = append(bom, wireBOMItem{
			LineID:          b.LineID,
			Description:     b.Description,
			HSCode:          b.HSCode,
			CountryOfOrigin: b.CountryOfOrigin,
			Value:           toWireMoney(b.Value),
			IsOriginating:   b.IsOriginating,
		})
	}

	ops := make([]wireOperation, 0, len(in.Process.PerformedOperations))
	for _, op := range in.Process.PerformedOperations {
		ops = append(ops, wireOperation(op))
	}

	certs := in.Documentation.SubmittedCertificates
	if certs == nil {
		certs = []string{}
	}
	evidence := in.Documentation.Evidence
	if evidence == nil {
		evidence = map[string]string{}
	}

	return wireEvaluateRequest{
		RuleID:       r.RuleID,
		EvaluationID: r.EvaluationID,
		EvaluationInput: wireInput{
			Context: wireContext{
				TenantID:      ctx.TenantID,
				RequestID:     ctx.RequestID,
				Agreement:     wireAgreement(ctx.Agreement),
				HSCode:        wireHSCode(ctx.HSCode),
				EffectiveDate: ctx.EffectiveDate,
				ImportCountry: ctx.ImportCountry,
				ExportCountry: ctx.ExportCountry,
			},
			BillOfMaterials: bom,
			Process: wireProcess{
				PerformedOperations:    ops,
				TotalManufacturingCost: toWireMoney(in.Process.TotalManufacturingCost),
				ValueAddedPercentage:   in.Process.ValueAddedPercentage,
			},
			Documentation: wireDocumentation{
				SubmittedCertificates: certs,
				Evidence:              evidence,
			},
		},
	}
}

func fromWireEvaluate(w wireEvaluateResponse) EvaluationResponse {
	v := w.Evaluation.Verdict
	reasons := v.DisqualificationReasons
	if reasons == nil {
		reasons = []DisqualificationReason{}
	}
	return EvaluationResponse{
		Verdict: EvaluationVerdict{
			EvaluationID:            v.EvaluationID,
			RuleID:                  v.RuleID,
			Status:                  v.Status,
			DecidedAt:               v.DecidedAt,
			Confidence:              v.Confidence,
			Citations:               v.Citations,
			DisqualificationReasons: reasons,
			Notes:                   v.Notes,
			LedgerReference:         v.LedgerReference,
		},
		LedgerReference: w.LedgerReference,
	}
}

func toWireCertificate(r CertificateRequest) wireCertificateRequest {
	return wireCertificateRequest{
		EvaluationID:    r.EvaluationID,
		CertificateCode: r.CertificateCode,
		Supplier:        wireParty(r.Supplier),
		Customer:        wireParty(r.Customer),
		ValidFrom:       r.ValidFrom,
		ValidTo:         r.ValidTo,
		SignatoryName:   r.SignatoryName,
		SignatoryTitle:  r.SignatoryTitle,
		IssueLocation:   r.IssueLocation,
		Notes:           r.Notes,
	}
}
