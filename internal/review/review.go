// Package review renders a pending order batch in the terminal and asks the
// operator to approve or reject it.
package review

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/rebalancer/internal/domain"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	warning   = lipgloss.AdaptiveColor{Light: "#F25D94", Dark: "#F25D94"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(0, 2).
			Bold(true).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().Foreground(subtle)
	sellStyle  = lipgloss.NewStyle().Foreground(warning).Bold(true)
	buyStyle   = lipgloss.NewStyle().Foreground(special).Bold(true)
)

// Choice values offered by Prompt.
const (
	ChoiceApprove = "approve"
	ChoiceReject  = "reject"
	ChoiceSkip    = "skip"
)

// Decision is the operator's answer.
type Decision struct {
	Choice string
	Reason string
}

// Render formats the batch header and its instructions in execution order.
func Render(b *domain.OrderBatch) string {
	var sb strings.Builder

	sb.WriteString(headerStyle.Render("BATCH " + b.ID))
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "%s %s   %s %s   %s %s\n",
		labelStyle.Render("client"), b.ClientID,
		labelStyle.Render("account"), b.AccountRef,
		labelStyle.Render("source"), b.AllocationSource)
	fmt.Fprintf(&sb, "%s %s   %s %s\n\n",
		labelStyle.Render("total value"), b.Snapshot.Summary.TotalValue.StringFixed(2),
		labelStyle.Render("cash"), b.Snapshot.Summary.Cash.StringFixed(2))

	if len(b.Trades) == 0 {
		sb.WriteString(labelStyle.Render("no trades, portfolio within tolerance"))
		sb.WriteString("\n")
		return sb.String()
	}

	for i, t := range b.Trades {
		style := buyStyle
		if t.Action.IsSell() {
			style = sellStyle
		}
		fmt.Fprintf(&sb, "%2d. %-6s %-8s %8d @ %10s = %12s  %s\n",
			i+1, style.Render(string(t.Action)), t.Symbol, t.Quantity,
			t.EstimatedPrice.StringFixed(2), t.EstimatedValue.StringFixed(2),
			labelStyle.Render(t.Reason))
	}
	return sb.String()
}

// Prompt prints the batch and runs the interactive approval form.
func Prompt(b *domain.OrderBatch) (Decision, error) {
	if b.Status != domain.BatchStatusPendingApproval {
		return Decision{}, errors.Wrapf(domain.ErrInvalidBatchState, "batch %s is %s, not awaiting approval", b.ID, b.Status)
	}

	fmt.Print("\033[H\033[2J")
	fmt.Println(Render(b))

	var d Decision
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("What should happen to this batch?").
				Options(
					huh.NewOption("Approve", ChoiceApprove),
					huh.NewOption("Reject", ChoiceReject),
					huh.NewOption("Decide later", ChoiceSkip),
				).
				Value(&d.Choice),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Rejection reason").
				Value(&d.Reason).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("reason cannot be empty")
					}
					return nil
				}),
		).WithHideFunc(func() bool { return d.Choice != ChoiceReject }),
	).Run()
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}
