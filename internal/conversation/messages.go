package conversation

import (
	"fmt"

	"linebot/internal/domain"
)

// Intents recorded in the conversation log for flow replies.
const (
	IntentStart         = "oil_report.start"
	IntentAmount        = "oil_report.amount"
	IntentAmountInvalid = "oil_report.amount_invalid"
	IntentWrongType     = "oil_report.wrong_type"
	IntentSaved         = "oil_report.saved"
	IntentSaveFailed    = "oil_report.save_failed"
	IntentCancel        = "oil_report.cancel"
)

const (
	msgCancelled     = "❌ ยกเลิกรายการเรียบร้อยครับ หากต้องการรายงานใหม่ กรุณาพิมพ์ชื่อสาขาอีกครั้ง"
	msgAmountInvalid = `⚠️ กรุณาพิมพ์เฉพาะ "ตัวเลข" เท่านั้นครับ (เช่น 500 หรือ 1250.50)`
	msgExpectAmount  = "⚠️ กรุณาพิมพ์ยอดเงินเป็นตัวเลขครับ"
	msgExpectImage   = `⚠️ กรุณาส่งเป็น "รูปภาพ" เท่านั้นครับ 📸`
	msgSaveFailed    = "❌ เกิดข้อผิดพลาดในการบันทึก\nกรุณาลองส่งรูปใหม่อีกครั้งครับ"
)

func startReply(branch string) string {
	return fmt.Sprintf("📍 สาขา: %s\n💰 กรุณาพิมพ์ \"ยอดขาย\" (เฉพาะตัวเลข) ส่งมาได้เลยครับ", branch)
}

func amountReply(amount float64) string {
	return fmt.Sprintf("✅ รับยอด %s บาท\n📸 กรุณา \"ส่งรูปสลิป/บิล\" เข้ามาเพื่อยืนยันครับ\n(พิมพ์ \"ยกเลิก\" เพื่อเริ่มใหม่)", FormatAmount(amount))
}

// SummaryReply is the confirmation sent after a report is saved.
func SummaryReply(s domain.ReportSummary) string {
	return fmt.Sprintf("✅ บันทึกสำเร็จ!\n\n📍 สาขา: %s\n💰 ยอดครั้งนี้: %s บ.\n📊 สะสมเดือนนี้: %s บ.\n🎯 เป้าเดือนนี้: %s บ.\n📉 คงเหลือ: %s บ.",
		s.Branch, FormatAmount(s.Latest), FormatAmount(s.Accumulated), FormatAmount(s.Goal), FormatAmount(s.Remaining()))
}
