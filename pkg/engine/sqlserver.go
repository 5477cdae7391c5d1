package engine

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	mssql "github.com/microsoft/go-mssqldb"

	cerrors "github.com/TFMV/cardinal/pkg/errors"
	"github.com/TFMV/cardinal/pkg/models"
)

// showplanResetTimeout bounds the statement that switches SHOWPLAN_XML back
// off once the plan has been read.
var showplanResetTimeout = 5 * time.Second

// SQLServer captures the estimated showplan XML. SHOWPLAN_XML is a
// connection-level setting, so it is switched on and off around the
// statement on the session's dedicated connection.
type SQLServer struct{}

// Name implements Dialect.
func (s *SQLServer) Name() string { return "sqlserver" }

// DriverName implements Dialect.
func (s *SQLServer) DriverName() string { return "sqlserver" }

// Explain implements Dialect. Actual-plan capture is not supported, so
// Analyze requests return the estimated plan with Analyzed=false.
func (s *SQLServer) Explain(ctx context.Context, conn *sqlx.Conn, query string, _ models.ExplainOptions) (plan models.Plan, err error) {
	if _, err := conn.ExecContext(ctx, "SET SHOWPLAN_XML ON"); err != nil {
		return models.Plan{}, err
	}
	defer func() {
		// Detached from ctx so a timed-out statement still restores the setting.
		resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), showplanResetTimeout)
		defer cancel()
		if _, offErr := conn.ExecContext(resetCtx, "SET SHOWPLAN_XML OFF"); offErr != nil && err == nil {
			err = offErr
		}
	}()

	var doc string
	if err := conn.QueryRowxContext(ctx, query).Scan(&doc); err != nil {
		return models.Plan{}, err
	}

	plan = models.Plan{
		Format: models.PlanFormatXML,
		Text:   doc,
	}
	if summary, sumErr := SummarizeShowplan(doc); sumErr == nil {
		plan.Summary = summary
	}
	return plan, nil
}

// HintSupport implements Dialect. Query hints in SQL Server are OPTION
// clauses, not leading comments.
func (s *SQLServer) HintSupport(context.Context, *sqlx.Conn) error {
	return cerrors.New(cerrors.CodeHintUnsupported, "sqlserver does not read hint comments")
}

// Version implements Dialect.
func (s *SQLServer) Version(ctx context.Context, conn *sqlx.Conn) (string, error) {
	return queryString(ctx, conn, "SELECT @@VERSION")
}

// Classify implements Dialect using server error numbers.
func (s *SQLServer) Classify(err error) string {
	var msErr mssql.Error
	if !errors.As(err, &msErr) {
		return ""
	}
	switch msErr.Number {
	case 102, 105, 156, 170, 207, 208, 4104:
		return cerrors.CodeQuerySyntax
	case 1222, 3617:
		return cerrors.CodeQueryTimeout
	}
	return cerrors.CodeQueryFailed
}

// SummarizeShowplan reads the statement cost and row estimate and counts
// RelOp elements in a showplan XML document.
func SummarizeShowplan(doc string) (models.PlanSummary, error) {
	var summary models.PlanSummary
	dec := xml.NewDecoder(strings.NewReader(doc))
	// The driver has already decoded the nvarchar; ignore any declared charset.
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) { return input, nil }
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return summary, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "StmtSimple":
			if summary.EstimatedCost == 0 {
				summary.EstimatedCost = floatAttr(start, "StatementSubTreeCost")
				summary.EstimatedRows = floatAttr(start, "StatementEstRows")
			}
		case "RelOp":
			summary.NodeCount++
			if summary.RootNode == "" {
				summary.RootNode = attr(start, "PhysicalOp")
			}
		}
	}
	return summary, nil
}

func attr(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func floatAttr(el xml.StartElement, name string) float64 {
	f, _ := strconv.ParseFloat(attr(el, name), 64)
	return f
}
