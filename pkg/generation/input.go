package generation

import (
	"strings"

	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

// CreateInput is the validated-on-entry payload of Tracker.Create.
type CreateInput struct {
	AccountID      ledger.AccountID
	Category       string
	Prompt         string
	NegativePrompt string
	Parameters     Parameters
	// CreditsCost is required; nil means the caller never priced the request.
	CreditsCost *int64
	Public      bool
	Tags        []string
}

type validatedInput struct {
	category       Category
	prompt         string
	negativePrompt string
	parameters     Parameters
	creditsCost    int64
	tags           []string
}

func validateCreateInput(input CreateInput, seedSource func() int64) (validatedInput, error) {
	if input.AccountID.IsZero() {
		return validatedInput{}, ledger.NewValidationError("accountId", "must not be empty")
	}
	category, err := ParseCategory(input.Category)
	if err != nil {
		return validatedInput{}, err
	}
	prompt := strings.TrimSpace(input.Prompt)
	if prompt == "" {
		return validatedInput{}, ledger.NewValidationError("prompt", "must not be empty")
	}
	if len([]rune(prompt)) > MaxPromptLength {
		return validatedInput{}, ledger.NewValidationError("prompt", "exceeds %d characters", MaxPromptLength)
	}
	negativePrompt := strings.TrimSpace(input.NegativePrompt)
	if len([]rune(negativePrompt)) > MaxNegativePromptLength {
		return validatedInput{}, ledger.NewValidationError("negativePrompt", "exceeds %d characters", MaxNegativePromptLength)
	}
	if input.CreditsCost == nil {
		return validatedInput{}, ledger.NewValidationError("creditsCost", "is required")
	}
	if *input.CreditsCost < 0 {
		return validatedInput{}, ledger.NewValidationError("creditsCost", "must not be negative")
	}
	parameters, err := normalizeParameters(input.Parameters, seedSource)
	if err != nil {
		return validatedInput{}, err
	}
	request := Request{}
	for _, rawTag := range input.Tags {
		request, err = AddTag(request, rawTag, request.UpdatedAt)
		if err != nil {
			return validatedInput{}, err
		}
	}
	return validatedInput{
		category:       category,
		prompt:         prompt,
		negativePrompt: negativePrompt,
		parameters:     parameters,
		creditsCost:    *input.CreditsCost,
		tags:           request.Tags,
	}, nil
}

func normalizeParameters(parameters Parameters, seedSource func() int64) (Parameters, error) {
	parameters.Model = strings.TrimSpace(parameters.Model)
	parameters.Style = strings.TrimSpace(parameters.Style)
	switch parameters.Quality {
	case "":
		parameters.Quality = DefaultQuality
	case QualityDraft, QualityStandard, QualityHigh, QualityUltra:
	default:
		return Parameters{}, ledger.NewValidationError("parameters.quality", "must be one of draft, standard, high, ultra")
	}
	if strings.TrimSpace(parameters.Size) == "" {
		parameters.Size = DefaultSize
	}
	if parameters.Steps == 0 {
		parameters.Steps = DefaultSteps
	}
	if parameters.Steps < 1 || parameters.Steps > 100 {
		return Parameters{}, ledger.NewValidationError("parameters.steps", "must be between 1 and 100")
	}
	if parameters.CFGScale == 0 {
		parameters.CFGScale = DefaultCFGScale
	}
	if parameters.CFGScale < 1 || parameters.CFGScale > 20 {
		return Parameters{}, ledger.NewValidationError("parameters.cfgScale", "must be between 1 and 20")
	}
	if parameters.Seed == nil {
		seed := seedSource()
		parameters.Seed = &seed
	} else if *parameters.Seed < 0 {
		return Parameters{}, ledger.NewValidationError("parameters.seed", "must not be negative")
	}
	return parameters, nil
}
