// Package receipt renders the payment receipt PDF for a settled task.
package receipt

import (
	"fmt"
	"io"
	"time"

	"github.com/jung-kurt/gofpdf"

	"valeconecta/internal/domain"
)

// Data is everything printed on a receipt.
type Data struct {
	Platform string
	Task     domain.Task
	Entry    domain.EscrowEntry
	IssuedAt time.Time
}

// Generator writes receipts. FontPath, when set, points at a TTF used
// instead of the built-in Helvetica.
type Generator struct {
	FontPath string
}

func (g Generator) Write(w io.Writer, d Data) error {
	if d.Entry.TaskID == "" {
		return fmt.Errorf("receipt: task %s has no escrow entry", d.Task.ID)
	}
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Recibo "+d.Task.ID, true)
	pdf.SetAuthor(d.Platform, true)
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 20)

	font := "Helvetica"
	tr := func(s string) string { return s }
	if g.FontPath != "" {
		font = "Receipt"
		pdf.AddUTF8Font(font, "", g.FontPath)
		pdf.AddUTF8Font(font, "B", g.FontPath)
	} else {
		tr = pdf.UnicodeTranslatorFromDescriptor("")
	}
	pdf.AddPage()

	pdf.SetFont(font, "B", 18)
	pdf.CellFormat(0, 10, tr(d.Platform+" - Recibo de Pagamento"), "", 1, "C", false, 0, "")
	pdf.SetFont(font, "", 11)
	pdf.CellFormat(0, 7, tr("Emitido em "+d.IssuedAt.Format("02/01/2006 15:04")), "", 1, "C", false, 0, "")
	hr(pdf)

	rows := [][2]string{
		{"Serviço", d.Task.Title},
		{"Código", d.Task.ID},
		{"Categoria", d.Task.Category},
		{"Status", domain.StatusLabel(d.Task.Status)},
		{"Cliente", d.Task.ClientID},
	}
	if d.Task.ProfessionalID != nil {
		rows = append(rows, [2]string{"Profissional", *d.Task.ProfessionalID})
	}
	rows = append(rows,
		[2]string{"Mão de obra", domain.FormatBRL(d.Entry.ServiceCents)},
		[2]string{"Materiais", domain.FormatBRL(d.Entry.MaterialsCents)},
		[2]string{"Total pago", domain.FormatBRL(d.Entry.HeldCents)},
	)
	switch d.Entry.State {
	case domain.EscrowReleased:
		rows = append(rows,
			[2]string{"Taxa da plataforma", domain.FormatBRL(d.Entry.FeeCents)},
			[2]string{"Repasse ao profissional", domain.FormatBRL(d.Entry.PayoutCents())},
		)
	case domain.EscrowRefunded:
		rows = append(rows, [2]string{"Reembolsado ao cliente", domain.FormatBRL(d.Entry.RefundedCents)})
	default:
		rows = append(rows, [2]string{"Situação", "Valor retido em garantia"})
	}
	for _, row := range rows {
		pdf.SetFont(font, "B", 11)
		pdf.CellFormat(60, 8, tr(row[0]), "", 0, "L", false, 0, "")
		pdf.SetFont(font, "", 11)
		pdf.CellFormat(0, 8, tr(row[1]), "", 1, "L", false, 0, "")
	}
	hr(pdf)
	pdf.SetFont(font, "", 9)
	pdf.MultiCell(0, 5, tr("O pagamento fica retido pela plataforma até a confirmação do cliente e é liberado ao profissional conforme a Garantia Vale Conecta."), "", "L", false)

	if err := pdf.Error(); err != nil {
		return fmt.Errorf("receipt: %w", err)
	}
	return pdf.Output(w)
}

func hr(pdf *gofpdf.Fpdf) {
	y := pdf.GetY() + 1.5
	pdf.SetLineWidth(0.2)
	pdf.Line(20, y, 190, y)
	pdf.SetY(y + 2)
}
