package controller

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"paychat/internal/domain"
)

// Renderers for the rich replies. Chat frontends get HTML tables; the
// terminal client strips them back to plain renders, so both come off
// the same table.Writer.

func renderTaskMenu(tasks []domain.TaskDefinition) string {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"#", "Task", "Description"})
	for i, t := range tasks {
		tw.AppendRow(table.Row{i + 1, t.DisplayName, t.Description})
	}
	return tw.RenderHTML()
}

func renderFileSummary(s domain.FileSummary) string {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"Field", "Value"})
	tw.AppendRow(table.Row{"File", s.FileType})
	tw.AppendRow(table.Row{"Records", s.RecordCount})
	if s.TargetYearMonth != "" {
		tw.AppendRow(table.Row{"Target month", s.TargetYearMonth})
	}
	if len(s.Warnings) > 0 {
		tw.AppendRow(table.Row{"Warnings", strings.Join(s.Warnings, "; ")})
	}
	return tw.RenderHTML()
}

func renderCalculationSummary(def domain.TaskDefinition, s domain.CalculationSummary) string {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"Field", "Value"})
	tw.AppendRow(table.Row{"Task", def.DisplayName})
	if s.TargetYearMonth != "" {
		tw.AppendRow(table.Row{"Target month", s.TargetYearMonth})
	}
	tw.AppendRow(table.Row{"Employees", s.EmployeeCount})
	if s.DepartmentCount > 0 {
		tw.AppendRow(table.Row{"Departments", s.DepartmentCount})
	}
	if s.TotalWorkDays > 0 {
		tw.AppendRow(table.Row{"Total work days", s.TotalWorkDays})
	}
	if s.OvertimeHours > 0 {
		tw.AppendRow(table.Row{"Overtime hours", fmt.Sprintf("%.1f", s.OvertimeHours)})
	}
	if len(s.SpecialCases) > 0 {
		tw.AppendRow(table.Row{"Special cases", strings.Join(s.SpecialCases, "; ")})
	}
	return tw.RenderHTML()
}

func renderRequiredFiles(def domain.TaskDefinition) string {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"File", "Required", "Description"})
	for _, f := range def.Files {
		if f.Output {
			continue
		}
		required := "optional"
		if f.Required {
			required = "required"
		}
		tw.AppendRow(table.Row{f.FileType, required, f.Description})
	}
	return tw.RenderHTML()
}

func joinMissing(missing []string) string {
	return strings.Join(missing, ", ")
}
